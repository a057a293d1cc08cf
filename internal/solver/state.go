package solver

import (
	"context"
	"fmt"
	"sort"

	"github.com/apexpm/apex/internal/debver"
	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/model"
)

// resolveState is the mutable working set threaded through one Resolve
// call's backtracking search.
type resolveState struct {
	idx  Index
	opts ResolveOptions

	// constraints accumulates every clause placed on a package name so
	// far, across roots and every dependent that has pulled it in.
	constraints map[model.PackageName][]model.DependencyClause

	pinned map[model.PackageName]model.PackageRecord
	manual map[model.PackageName]bool

	// requiredBy[a][b] records that package b's Depends/Pre-Depends
	// pulled in a, for Why() and orphan computation.
	requiredBy map[model.PackageName]map[model.PackageName]bool

	// deps[a] lists the packages a's pinned record depends on, used to
	// batch strongly-connected components after pinning completes.
	deps map[model.PackageName][]model.PackageName
}

func newResolveState(idx Index, opts ResolveOptions) *resolveState {
	return &resolveState{
		idx:         idx,
		opts:        opts,
		constraints: make(map[model.PackageName][]model.DependencyClause),
		pinned:      make(map[model.PackageName]model.PackageRecord),
		manual:      make(map[model.PackageName]bool),
		requiredBy:  make(map[model.PackageName]map[model.PackageName]bool),
		deps:        make(map[model.PackageName][]model.PackageName),
	}
}

func (s *resolveState) addConstraint(name model.PackageName, clause model.DependencyClause, requiredBy model.PackageName) {
	if len(clause.Alternatives) > 0 {
		s.constraints[name] = append(s.constraints[name], clause)
	}

	if requiredBy == "" {
		return
	}

	if s.requiredBy[name] == nil {
		s.requiredBy[name] = make(map[model.PackageName]bool)
	}

	s.requiredBy[name][requiredBy] = true
}

// candidates returns every known version of name, consulting Provides for
// virtual package names when the index holds no real package by that
// name.
func (s *resolveState) candidates(ctx context.Context, name model.PackageName) ([]model.PackageRecord, error) {
	recs, err := s.idx.Query(ctx, name)
	if err != nil {
		return nil, err
	}

	if len(recs) > 0 {
		return recs, nil
	}

	provided, err := s.idx.AllProviders(ctx, name)
	if err != nil {
		return nil, err
	}

	return provided, nil
}

// satisfiesAll reports whether rec satisfies every clause accumulated for
// its own name so far (the direct, non-alternative constraints placed by
// requirers; alternative clauses are checked at the atom the requirer
// actually names, not the provider's own version).
func satisfiesAll(rec model.PackageRecord, clauses []model.DependencyClause) bool {
	for _, clause := range clauses {
		ok := false

		for _, atom := range clause.Alternatives {
			if atom.Name != rec.Name {
				// satisfied through Provides; version constraints against
				// a provided virtual name are not checked against the
				// provider's own version per Debian Policy.
				ok = true
				break
			}

			if atom.Op == "" || debver.Satisfies(rec.Version, atom.Op, atom.Version) {
				ok = true
				break
			}
		}

		if !ok {
			return false
		}
	}

	return true
}

// selectVersion pins a single version of name satisfying every constraint
// accumulated so far, backtracking across candidates when a dependent's
// constraints cannot all be met.
func (s *resolveState) selectVersion(ctx context.Context, name model.PackageName, visiting map[model.PackageName]bool) error {
	if _, ok := s.pinned[name]; ok {
		return nil
	}

	if visiting[name] {
		// already being resolved higher up this call stack: a cycle,
		// which batchSCC will later group into one atomic install batch.
		return nil
	}

	visiting[name] = true
	defer delete(visiting, name)

	recs, err := s.candidates(ctx, name)
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		return errs.Unsatisfiable(string(name), "no candidate package or provider found")
	}

	sort.Slice(recs, func(i, j int) bool {
		cmp := debver.Compare(recs[i].Version, recs[j].Version)
		if s.opts.PreferHigher {
			return cmp > 0
		}

		return cmp < 0
	})

	var lastErr error

	for _, rec := range recs {
		if !satisfiesAll(rec, s.constraints[name]) {
			lastErr = errs.Unsatisfiable(string(name), fmt.Sprintf("version %s does not satisfy accumulated constraints", rec.Version))
			continue
		}

		if err := s.tryPin(ctx, rec, visiting); err != nil {
			lastErr = err
			continue
		}

		return nil
	}

	if lastErr == nil {
		lastErr = errs.Unsatisfiable(string(name), "no candidate satisfied accumulated constraints")
	}

	return lastErr
}

// tryPin tentatively pins rec, recurses into its Depends/Pre-Depends, and
// unwinds the tentative pin (and everything it pulled in on this attempt)
// if any dependency proves unsatisfiable.
func (s *resolveState) tryPin(ctx context.Context, rec model.PackageRecord, visiting map[model.PackageName]bool) error {
	pinnedBefore := make(map[model.PackageName]bool, len(s.pinned))
	for n := range s.pinned {
		pinnedBefore[n] = true
	}

	s.pinned[rec.Name] = rec

	var depNames []model.PackageName

	for _, clause := range append(append([]model.DependencyClause{}, rec.Depends...), rec.PreDepends...) {
		if len(clause.Alternatives) == 0 {
			continue
		}

		dep, err := s.satisfyAlternatives(ctx, clause, rec.Name, visiting)
		if err != nil {
			s.unwind(pinnedBefore)
			return err
		}

		depNames = append(depNames, dep)
	}

	s.deps[rec.Name] = depNames

	return nil
}

// satisfyAlternatives tries each atom of an OR-group clause ("a | b (>=
// 1.0)") in order, backtracking to the next disjunct when the previous
// one has no satisfiable candidate, so a clause only fails when every
// alternative does.
func (s *resolveState) satisfyAlternatives(ctx context.Context, clause model.DependencyClause, requiredBy model.PackageName, visiting map[model.PackageName]bool) (model.PackageName, error) {
	var lastErr error

	for _, atom := range clause.Alternatives {
		pinnedBefore := make(map[model.PackageName]bool, len(s.pinned))
		for n := range s.pinned {
			pinnedBefore[n] = true
		}

		constraintsBefore := len(s.constraints[atom.Name])

		s.addConstraint(atom.Name, clause, requiredBy)

		if err := s.selectVersion(ctx, atom.Name, visiting); err != nil {
			lastErr = err
			s.constraints[atom.Name] = s.constraints[atom.Name][:constraintsBefore]
			s.unwind(pinnedBefore)

			continue
		}

		return atom.Name, nil
	}

	if lastErr == nil {
		lastErr = errs.Unsatisfiable(string(requiredBy), "dependency clause has no alternatives")
	}

	return "", lastErr
}

func (s *resolveState) unwind(keep map[model.PackageName]bool) {
	for n := range s.pinned {
		if !keep[n] {
			delete(s.pinned, n)
			delete(s.deps, n)
		}
	}
}

// checkConflicts scans every pinned pair for a Conflicts/Breaks clause
// that the pair does not exempt via a matching Replaces.
func (s *resolveState) checkConflicts() error {
	for _, rec := range s.pinned {
		for _, clause := range append(append([]model.DependencyClause{}, rec.Conflicts...), rec.Breaks...) {
			for _, atom := range clause.Alternatives {
				other, ok := s.pinned[atom.Name]
				if !ok || other.Name == rec.Name {
					continue
				}

				if atom.Op != "" && !debver.Satisfies(other.Version, atom.Op, atom.Version) {
					continue
				}

				if replaces(rec, other.Name) || replaces(other, rec.Name) {
					continue
				}

				return errs.Unsatisfiable(string(rec.Name),
					fmt.Sprintf("conflicts with pinned package %s %s", other.Name, other.Version))
			}
		}
	}

	return nil
}

// checkConflictsWithInstalled extends checkConflicts to packages outside
// this Plan entirely: a newly pinned package must not conflict with an
// installed package this transaction neither upgrades nor supersedes via
// Replaces.
func (s *resolveState) checkConflictsWithInstalled(installed map[model.PackageName]model.InstalledRecord) error {
	for _, rec := range s.pinned {
		for _, clause := range append(append([]model.DependencyClause{}, rec.Conflicts...), rec.Breaks...) {
			for _, atom := range clause.Alternatives {
				other, ok := installed[atom.Name]
				if !ok {
					continue
				}

				if _, touched := s.pinned[atom.Name]; touched {
					continue // this Plan replaces it with a version already checked above
				}

				if atom.Op != "" && !debver.Satisfies(other.Version, atom.Op, atom.Version) {
					continue
				}

				if replaces(rec, other.Name) {
					continue
				}

				return errs.Unsatisfiable(string(rec.Name),
					fmt.Sprintf("conflicts with installed package %s %s", other.Name, other.Version))
			}
		}
	}

	return nil
}

// checkRemovalsSatisfied rejects a remove request that would break an
// installed package's Depends/Pre-Depends unless that dependent is also
// being removed, or is itself reinstalled/upgraded by this Plan (in which
// case its new Depends were already validated by selectVersion).
func (s *resolveState) checkRemovalsSatisfied(installed map[model.PackageName]model.InstalledRecord, removing map[model.PackageName]bool) error {
	for target := range removing {
		for depName, dependent := range installed {
			if depName == target || removing[depName] {
				continue
			}

			if _, touched := s.pinned[depName]; touched {
				continue
			}

			for _, clause := range append(append([]model.DependencyClause{}, dependent.Depends...), dependent.PreDepends...) {
				if !onlyNames(clause, target) {
					continue
				}

				return errs.Unsatisfiable(string(target),
					fmt.Sprintf("required by installed package %s", depName))
			}
		}
	}

	return nil
}

// onlyNames reports whether every alternative in clause names target,
// meaning no other disjunct remains to satisfy it once target is gone.
func onlyNames(clause model.DependencyClause, target model.PackageName) bool {
	if len(clause.Alternatives) == 0 {
		return false
	}

	for _, atom := range clause.Alternatives {
		if atom.Name != target {
			return false
		}
	}

	return true
}

func replaces(rec model.PackageRecord, name model.PackageName) bool {
	for _, clause := range rec.Replaces {
		for _, atom := range clause.Alternatives {
			if atom.Name == name {
				return true
			}
		}
	}

	return false
}

// orphans returns pinned packages that were not explicitly requested and
// are not required by any other still-pinned package.
func (s *resolveState) orphans() []model.PackageName {
	var out []model.PackageName

	for name := range s.pinned {
		if s.manual[name] {
			continue
		}

		required := false

		for requirer := range s.requiredBy[name] {
			if _, ok := s.pinned[requirer]; ok {
				required = true
				break
			}
		}

		if !required {
			out = append(out, name)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
