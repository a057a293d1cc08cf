package solver

import (
	"context"
	"testing"

	"github.com/apexpm/apex/internal/model"
)

type fakeIndex struct {
	byName    map[model.PackageName][]model.PackageRecord
	provides  map[model.PackageName][]model.PackageRecord
}

func (f *fakeIndex) Query(_ context.Context, name model.PackageName) ([]model.PackageRecord, error) {
	return f.byName[name], nil
}

func (f *fakeIndex) AllProviders(_ context.Context, virtual model.PackageName) ([]model.PackageRecord, error) {
	return f.provides[virtual], nil
}

func clause(name model.PackageName, op, version string) model.DependencyClause {
	return model.DependencyClause{Alternatives: []model.DependencyAtom{{Name: name, Op: op, Version: version}}}
}

func TestResolveSimpleChain(t *testing.T) {
	idx := &fakeIndex{byName: map[model.PackageName][]model.PackageRecord{
		"a": {
			{Name: "a", Version: "1.0", Depends: []model.DependencyClause{clause("b", ">=", "1.0")}},
			{Name: "a", Version: "1.1", Depends: []model.DependencyClause{clause("b", ">=", "1.1")}},
		},
		"b": {
			{Name: "b", Version: "1.0"},
			{Name: "b", Version: "1.2"},
		},
	}}

	r := NewResolver(idx, ResolveOptions{PreferHigher: true})

	plan, err := r.Resolve(context.Background(), nil, []Requirement{{Name: "a", Constraint: clause("a", ">=", "1.0")}}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if plan.Pinned["a"].Version != "1.1" {
		t.Fatalf("expected a=1.1, got %s", plan.Pinned["a"].Version)
	}

	if plan.Pinned["b"].Version != "1.2" {
		t.Fatalf("expected b=1.2, got %s", plan.Pinned["b"].Version)
	}
}

func TestResolveConflict(t *testing.T) {
	idx := &fakeIndex{byName: map[model.PackageName][]model.PackageRecord{
		"a": {{Name: "a", Version: "1.0", Depends: []model.DependencyClause{clause("b", "=", "2.0")}, Conflicts: []model.DependencyClause{clause("c", "", "")}}},
		"b": {{Name: "b", Version: "2.0"}},
		"c": {{Name: "c", Version: "1.0"}},
	}}

	r := NewResolver(idx, ResolveOptions{})

	_, err := r.Resolve(context.Background(), nil, []Requirement{
		{Name: "a", Constraint: clause("a", ">=", "1.0")},
		{Name: "c", Constraint: clause("c", ">=", "1.0")},
	}, nil)
	if err == nil {
		t.Fatalf("expected conflict error")
	}
}

func TestResolveVirtualProvides(t *testing.T) {
	idx := &fakeIndex{
		byName: map[model.PackageName][]model.PackageRecord{
			"mta-sendmail": {{Name: "mta-sendmail", Version: "1.0", Provides: []model.DependencyClause{clause("mail-transport-agent", "", "")}}},
		},
		provides: map[model.PackageName][]model.PackageRecord{
			"mail-transport-agent": {{Name: "mta-sendmail", Version: "1.0", Provides: []model.DependencyClause{clause("mail-transport-agent", "", "")}}},
		},
	}

	r := NewResolver(idx, ResolveOptions{})

	plan, err := r.Resolve(context.Background(), nil, []Requirement{{Name: "mail-transport-agent", Constraint: clause("mail-transport-agent", "", "")}}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if _, ok := plan.Pinned["mta-sendmail"]; !ok {
		t.Fatalf("expected mta-sendmail to satisfy virtual requirement")
	}
}

func TestResolveCycleBatchedTogether(t *testing.T) {
	idx := &fakeIndex{byName: map[model.PackageName][]model.PackageRecord{
		"a": {{Name: "a", Version: "1.0", Depends: []model.DependencyClause{clause("b", "", "")}}},
		"b": {{Name: "b", Version: "1.0", Depends: []model.DependencyClause{clause("a", "", "")}}},
	}}

	r := NewResolver(idx, ResolveOptions{})

	plan, err := r.Resolve(context.Background(), nil, []Requirement{{Name: "a", Constraint: clause("a", "", "")}}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	batches := plan.Batches()

	found := false

	for _, batch := range batches {
		if len(batch) == 2 {
			found = true
		}
	}

	if !found {
		t.Fatalf("expected a and b to be batched together as a cycle, got %d batches", len(batches))
	}
}

func TestWhyReturnsRequirerChain(t *testing.T) {
	idx := &fakeIndex{byName: map[model.PackageName][]model.PackageRecord{
		"a": {{Name: "a", Version: "1.0", Depends: []model.DependencyClause{clause("b", "", "")}}},
		"b": {{Name: "b", Version: "1.0"}},
	}}

	r := NewResolver(idx, ResolveOptions{})

	roots := []Requirement{{Name: "a", Constraint: clause("a", "", "")}}

	chain, err := r.Why(context.Background(), "b", roots)
	if err != nil {
		t.Fatalf("why failed: %v", err)
	}

	if len(chain) != 2 || chain[0] != "b" || chain[1] != "a" {
		t.Fatalf("expected chain [b a], got %v", chain)
	}
}

func orClause(names ...model.PackageName) model.DependencyClause {
	alts := make([]model.DependencyAtom, len(names))
	for i, n := range names {
		alts[i] = model.DependencyAtom{Name: n}
	}

	return model.DependencyClause{Alternatives: alts}
}

func TestResolveBacktracksOrGroupAlternatives(t *testing.T) {
	idx := &fakeIndex{byName: map[model.PackageName][]model.PackageRecord{
		"a": {{Name: "a", Version: "1.0", Depends: []model.DependencyClause{orClause("mailx", "bsd-mailx")}}},
		"bsd-mailx": {{Name: "bsd-mailx", Version: "8.1.2"}},
	}}

	r := NewResolver(idx, ResolveOptions{})

	plan, err := r.Resolve(context.Background(), nil, []Requirement{{Name: "a", Constraint: clause("a", "", "")}}, nil)
	if err != nil {
		t.Fatalf("expected the second alternative to satisfy the clause, got: %v", err)
	}

	if _, ok := plan.Pinned["bsd-mailx"]; !ok {
		t.Fatalf("expected bsd-mailx pinned via the OR-group's second alternative, got %+v", plan.Pinned)
	}

	if _, ok := plan.Pinned["mailx"]; ok {
		t.Fatalf("mailx has no candidate and should not appear in the plan")
	}
}

func TestResolveRejectsRemovalOfRequiredPackage(t *testing.T) {
	idx := &fakeIndex{byName: map[model.PackageName][]model.PackageRecord{}}
	r := NewResolver(idx, ResolveOptions{})

	installed := map[model.PackageName]model.InstalledRecord{
		"libfoo": {PackageRecord: model.PackageRecord{Name: "libfoo", Version: "1.0"}},
		"app":    {PackageRecord: model.PackageRecord{Name: "app", Version: "1.0", Depends: []model.DependencyClause{clause("libfoo", "", "")}}},
	}

	_, err := r.Resolve(context.Background(), installed, nil, []RemoveRequest{{Name: "libfoo"}})
	if err == nil {
		t.Fatalf("expected removing libfoo to fail because app still depends on it")
	}
}

func TestResolveAllowsRemovalOfUnneededPackage(t *testing.T) {
	idx := &fakeIndex{byName: map[model.PackageName][]model.PackageRecord{}}
	r := NewResolver(idx, ResolveOptions{})

	installed := map[model.PackageName]model.InstalledRecord{
		"orphaned-tool": {PackageRecord: model.PackageRecord{Name: "orphaned-tool", Version: "1.0"}},
	}

	plan, err := r.Resolve(context.Background(), installed, nil, []RemoveRequest{{Name: "orphaned-tool", Purge: true}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if len(plan.Removed) != 1 || plan.Removed[0].Name != "orphaned-tool" || !plan.Removed[0].Purge {
		t.Fatalf("expected a purge of orphaned-tool, got %+v", plan.Removed)
	}
}
