// Package solver computes an install plan satisfying Depends/Pre-Depends/
// Conflicts/Breaks/Replaces/Provides across the transitive closure of a
// set of requested packages, batching strongly-connected components of
// the dependency graph so cyclic (pre-)dependencies install atomically.
package solver

import (
	"context"
	"sort"

	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/model"
)

// Index is the read surface the solver needs; *index.Store satisfies it.
type Index interface {
	Query(ctx context.Context, name model.PackageName) ([]model.PackageRecord, error)
	AllProviders(ctx context.Context, virtual model.PackageName) ([]model.PackageRecord, error)
}

// Requirement is a root constraint supplied by the caller, e.g. an
// explicit "install foo (>= 1.2)" request.
type Requirement struct {
	Name       model.PackageName
	Constraint model.DependencyClause
}

// ResolveOptions controls resolution behavior.
type ResolveOptions struct {
	// PreferHigher picks the highest candidate version satisfying all
	// constraints; otherwise the lowest.
	PreferHigher bool
	// PruneOrphans is carried in the options but nothing reads it. The
	// solver always computes Plan.Orphans, and the installer only logs
	// that set; no orphan is ever removed, whatever this flag says.
	PruneOrphans bool
}

// RemoveRequest asks Resolve to drop an installed package from the
// result. Purge also discards its retained configuration state; a plain
// remove leaves the installed record demoted rather than gone, mirroring
// Debian's "rc" (config-files) state.
type RemoveRequest struct {
	Name  model.PackageName
	Purge bool
}

// Plan is the result of a successful Resolve: a version pin per package
// plus the SCC-batched install order, and any packages the request asked
// to remove.
type Plan struct {
	Pinned  map[model.PackageName]model.PackageRecord
	Orphans []model.PackageName
	Removed []RemoveRequest

	order      [][]model.PackageName
	requiredBy map[model.PackageName]map[model.PackageName]bool
}

// Batches returns install groups in dependency order; packages within one
// batch form a strongly-connected component and are installed atomically.
func (p *Plan) Batches() [][]model.PackageRecord {
	out := make([][]model.PackageRecord, len(p.order))
	for i, names := range p.order {
		group := make([]model.PackageRecord, len(names))
		for j, n := range names {
			group[j] = p.Pinned[n]
		}

		out[i] = group
	}

	return out
}

// Resolver performs constraint resolution with backtracking over an
// Index.
type Resolver struct {
	idx  Index
	opts ResolveOptions
}

// NewResolver constructs a Resolver over idx.
func NewResolver(idx Index, opts ResolveOptions) *Resolver {
	return &Resolver{idx: idx, opts: opts}
}

// Resolve computes a Plan satisfying every requirement and its transitive
// Depends/Pre-Depends, honoring Conflicts/Breaks/Replaces and resolving
// virtual names through Provides. installed is the currently installed
// set (nil is treated as empty, a clean-machine install); it is consulted
// for conflicts against packages this Plan neither pins nor removes, and
// to validate that removes carries only packages still required by
// something this Plan is also removing or superseding. An upgrade request
// is expressed the same way as an install: with ResolveOptions.PreferHigher
// set, Resolve prefers the highest catalog version satisfying the root's
// constraint, so a root already present in installed at an older version
// resolves to a pin the caller can diff against installed to see it's an
// upgrade. Without PreferHigher the lowest satisfying version is pinned.
func (r *Resolver) Resolve(ctx context.Context, installed map[model.PackageName]model.InstalledRecord, roots []Requirement, removes []RemoveRequest) (*Plan, error) {
	st := newResolveState(r.idx, r.opts)

	names := make([]model.PackageName, 0, len(roots))

	for _, req := range roots {
		st.addConstraint(req.Name, req.Constraint, "")
		st.manual[req.Name] = true
		names = append(names, req.Name)
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	for _, n := range names {
		if _, ok := st.pinned[n]; ok {
			continue
		}

		if err := st.selectVersion(ctx, n, map[model.PackageName]bool{}); err != nil {
			return nil, err
		}
	}

	if err := st.checkConflicts(); err != nil {
		return nil, err
	}

	if err := st.checkConflictsWithInstalled(installed); err != nil {
		return nil, err
	}

	removing := make(map[model.PackageName]bool, len(removes))

	for _, rm := range removes {
		if _, ok := installed[rm.Name]; !ok {
			return nil, errs.Unsatisfiable(string(rm.Name), "package is not installed")
		}

		removing[rm.Name] = true
	}

	if err := st.checkRemovalsSatisfied(installed, removing); err != nil {
		return nil, err
	}

	order, err := batchSCC(st.pinned, st.deps)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Pinned:     st.pinned,
		Orphans:    st.orphans(),
		Removed:    removes,
		order:      order,
		requiredBy: st.requiredBy,
	}, nil
}

// Why explains the chain of requirers pulling name into the plan resolved
// from roots, most-immediate requirer first.
func (r *Resolver) Why(ctx context.Context, name model.PackageName, roots []Requirement) ([]model.PackageName, error) {
	plan, err := r.Resolve(ctx, nil, roots, nil)
	if err != nil {
		return nil, err
	}

	if _, ok := plan.Pinned[name]; !ok {
		return nil, errs.Unsatisfiable(string(name), "not part of the resolved plan")
	}

	chain := []model.PackageName{name}
	cur := name
	visited := map[model.PackageName]bool{name: true}

	for {
		requirers := plan.requiredBy[cur]
		if len(requirers) == 0 {
			break
		}

		var next model.PackageName

		found := false

		candidates := make([]model.PackageName, 0, len(requirers))
		for req := range requirers {
			candidates = append(candidates, req)
		}

		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

		for _, c := range candidates {
			if !visited[c] {
				next = c
				found = true

				break
			}
		}

		if !found {
			break
		}

		chain = append(chain, next)
		visited[next] = true
		cur = next
	}

	return chain, nil
}
