// Package depexpr parses and evaluates Debian-style dependency clauses:
// "pkg1 (>= 1.0), pkg2 | pkg3:amd64 (<< 2.0)".
package depexpr

import (
	"fmt"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/apexpm/apex/internal/debver"
	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/model"
)

// ParseField parses a whole field value (comma-separated clauses) into
// DependencyClauses, e.g. the full Depends: line.
func ParseField(value string) ([]model.DependencyClause, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	parts := splitTopLevel(value, ',')
	clauses := make([]model.DependencyClause, 0, len(parts))

	for _, p := range parts {
		c, err := ParseClause(p)
		if err != nil {
			return nil, err
		}

		clauses = append(clauses, c)
	}

	return clauses, nil
}

// ParseClause parses a single OR-group: "a | b (>= 1.0)".
func ParseClause(s string) (model.DependencyClause, error) {
	alts := splitTopLevel(s, '|')
	clause := model.DependencyClause{Alternatives: make([]model.DependencyAtom, 0, len(alts))}

	for _, alt := range alts {
		atom, err := parseAtom(alt)
		if err != nil {
			return model.DependencyClause{}, err
		}

		clause.Alternatives = append(clause.Alternatives, atom)
	}

	return clause, nil
}

func parseAtom(s string) (model.DependencyAtom, error) {
	s = strings.TrimSpace(s)

	name := s
	op, ver := "", ""

	if i := strings.IndexByte(s, '('); i >= 0 {
		close := strings.IndexByte(s[i:], ')')
		if close < 0 {
			return model.DependencyAtom{}, errs.Config("parse dependency atom", fmt.Errorf("unclosed '(' in %q", s))
		}

		name = strings.TrimSpace(s[:i])
		inner := strings.TrimSpace(s[i+1 : i+close])

		var err error

		op, ver, err = splitConstraint(inner)
		if err != nil {
			return model.DependencyAtom{}, err
		}
	}

	// Multi-arch qualifier: "pkgname:arch", e.g. "libc6:amd64", attached
	// directly to the name with no separator from any (op version) that
	// follows, per Debian Policy's multiarch dependency syntax.
	var archQual model.Arch

	if i := strings.IndexByte(name, ':'); i >= 0 {
		archQual = model.Arch(strings.TrimSpace(name[i+1:]))
		name = strings.TrimSpace(name[:i])
	}

	if name == "" {
		return model.DependencyAtom{}, errs.Config("parse dependency atom", fmt.Errorf("empty package name in %q", s))
	}

	return model.DependencyAtom{Name: model.PackageName(name), Op: op, Version: ver, ArchQual: archQual}, nil
}

func splitConstraint(inner string) (op, ver string, err error) {
	for _, candidate := range []string{"<<", "<=", ">=", ">>", "="} {
		if strings.HasPrefix(inner, candidate) {
			return candidate, strings.TrimSpace(inner[len(candidate):]), nil
		}
	}

	return "", "", errs.Config("parse dependency atom", fmt.Errorf("unrecognized constraint operator in %q", inner))
}

// splitTopLevel splits s on sep, ignoring separators inside parentheses.
func splitTopLevel(s string, sep byte) []string {
	var out []string

	depth := 0
	start := 0

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		default:
			if s[i] == sep && depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}

	out = append(out, strings.TrimSpace(s[start:]))

	return out
}

// Satisfies reports whether a package named name at version satisfies any
// alternative in the clause (direct name match only; virtual/Provides
// resolution is the caller's job since it needs index-wide knowledge).
func Satisfies(clause model.DependencyClause, name model.PackageName, version string) bool {
	for _, atom := range clause.Alternatives {
		if atom.Name != name {
			continue
		}

		if atom.Op == "" {
			return true
		}

		if debver.Satisfies(version, atom.Op, atom.Version) {
			return true
		}
	}

	return false
}

// MatchesSemverRange reports whether version satisfies a semver-style
// range constraint (e.g. "^1.2.0", ">=1.0.0 <2.0.0"). Real package
// versions always use Debian ordering; this exists only for a Provides
// atom on a virtual package whose maintainer chose to pin it with a
// semver range instead of a single "(= x)" version, a pattern borrowed
// from registries that version virtual capabilities this way.
func MatchesSemverRange(version, rangeExpr string) bool {
	c, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return false
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}

	return c.Check(v)
}

// Intersect merges two clauses constraining the same single package name
// into one that only accepts versions both would accept. It only handles
// two single-alternative clauses on the same package where at least one
// side is unconstrained, and then returns the other side; two constrained
// atoms are returned unmerged (ok=false). Multi-alternative (OR) clauses
// are likewise returned unmerged (ok=false) since an
// OR of constraints from two different requirers isn't a simple range
// intersection — the caller (solver) treats that case as two separate
// clauses to satisfy independently.
func Intersect(a, b model.DependencyClause) (model.DependencyClause, bool) {
	if len(a.Alternatives) != 1 || len(b.Alternatives) != 1 {
		return model.DependencyClause{}, false
	}

	aa, ba := a.Alternatives[0], b.Alternatives[0]
	if aa.Name != ba.Name {
		return model.DependencyClause{}, false
	}

	if aa.Op == "" {
		return b, true
	}

	if ba.Op == "" {
		return a, true
	}

	// Two constrained atoms are never merged, not even when both bounds
	// point the same direction; the caller checks both independently.
	return model.DependencyClause{}, false
}
