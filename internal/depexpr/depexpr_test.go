package depexpr

import (
	"testing"

	"github.com/apexpm/apex/internal/model"
)

func TestParseFieldSimple(t *testing.T) {
	clauses, err := ParseField("libc6 (>= 2.17), libfoo | libbar:amd64 (<< 2.0)")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if len(clauses) != 2 {
		t.Fatalf("expected 2 clauses, got %d", len(clauses))
	}

	first := clauses[0].Alternatives[0]
	if first.Name != "libc6" || first.Op != ">=" || first.Version != "2.17" {
		t.Fatalf("unexpected first atom: %+v", first)
	}

	second := clauses[1].Alternatives
	if len(second) != 2 {
		t.Fatalf("expected 2 alternatives, got %d", len(second))
	}

	if second[0].Name != "libfoo" {
		t.Fatalf("expected first alternative libfoo, got %s", second[0].Name)
	}

	if second[1].Name != "libbar" || second[1].Op != "<<" || second[1].Version != "2.0" {
		t.Fatalf("unexpected second alternative: %+v", second[1])
	}

	if second[1].ArchQual != "amd64" {
		t.Fatalf("expected arch qualifier amd64, got %q", second[1].ArchQual)
	}
}

func TestParseFieldEmpty(t *testing.T) {
	clauses, err := ParseField("")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if clauses != nil {
		t.Fatalf("expected nil clauses for empty field, got %v", clauses)
	}
}

func TestParseAtomUnclosedParen(t *testing.T) {
	_, err := ParseClause("libc6 (>= 2.17")
	if err == nil {
		t.Fatalf("expected error for unclosed paren")
	}
}

func TestSatisfies(t *testing.T) {
	clause := model.DependencyClause{Alternatives: []model.DependencyAtom{{Name: "libc6", Op: ">=", Version: "2.17"}}}

	if !Satisfies(clause, "libc6", "2.20") {
		t.Fatalf("expected 2.20 to satisfy >= 2.17")
	}

	if Satisfies(clause, "libc6", "2.10") {
		t.Fatalf("expected 2.10 not to satisfy >= 2.17")
	}

	if Satisfies(clause, "other", "1.0") {
		t.Fatalf("expected no match for a different package name")
	}
}

func TestMatchesSemverRange(t *testing.T) {
	if !MatchesSemverRange("1.5.0", ">=1.0.0 <2.0.0") {
		t.Fatalf("expected 1.5.0 to match range")
	}

	if MatchesSemverRange("2.5.0", ">=1.0.0 <2.0.0") {
		t.Fatalf("expected 2.5.0 not to match range")
	}
}

func TestIntersectSingleAlternative(t *testing.T) {
	a := model.DependencyClause{Alternatives: []model.DependencyAtom{{Name: "foo", Op: ">=", Version: "1.0"}}}
	b := model.DependencyClause{Alternatives: []model.DependencyAtom{{Name: "foo"}}}

	merged, ok := Intersect(a, b)
	if !ok {
		t.Fatalf("expected intersection to succeed when one side is unconstrained")
	}

	if merged.Alternatives[0].Op != ">=" {
		t.Fatalf("expected merged clause to keep the constrained bound, got %+v", merged)
	}
}

func TestIntersectMultiAlternativeFails(t *testing.T) {
	a := model.DependencyClause{Alternatives: []model.DependencyAtom{{Name: "foo"}, {Name: "bar"}}}
	b := model.DependencyClause{Alternatives: []model.DependencyAtom{{Name: "foo"}}}

	if _, ok := Intersect(a, b); ok {
		t.Fatalf("expected OR-clauses not to intersect")
	}
}
