// Package debver implements Debian-style version ordering:
// [epoch:]upstream-version[-debian-revision].
package debver

import (
	"strconv"
	"strings"
)

// Compare returns -1, 0, or 1 as a compares less than, equal to, or
// greater than b, following dpkg's version comparison rules.
func Compare(a, b string) int {
	ea, ua, ra := split(a)
	eb, ub, rb := split(b)

	if c := compareNumeric(ea, eb); c != 0 {
		return c
	}

	if c := compareUpstream(ua, ub); c != 0 {
		return c
	}

	return compareUpstream(ra, rb)
}

// Satisfies reports whether version v satisfies "op constraint", where op
// is one of << <= = >= >>.
func Satisfies(v, op, constraint string) bool {
	c := Compare(v, constraint)

	switch op {
	case "<<":
		return c < 0
	case "<=":
		return c <= 0
	case "=", "":
		return c == 0
	case ">=":
		return c >= 0
	case ">>":
		return c > 0
	default:
		return false
	}
}

func split(v string) (epoch, upstream, revision string) {
	if i := strings.IndexByte(v, ':'); i >= 0 {
		epoch = v[:i]
		v = v[i+1:]
	} else {
		epoch = "0"
	}

	if i := strings.LastIndexByte(v, '-'); i >= 0 {
		upstream = v[:i]
		revision = v[i+1:]
	} else {
		upstream = v
		revision = ""
	}

	return
}

func compareNumeric(a, b string) int {
	na, erra := strconv.Atoi(a)
	nb, errb := strconv.Atoi(b)

	if erra == nil && errb == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(a, b)
}

// order returns the sort weight of a single rune in the "non-digit run"
// comparison: '~' sorts lowest (below even the end of string), then
// letters, then every other character, following dpkg semantics.
func order(r rune) int {
	switch {
	case r == '~':
		return -1
	case isDigit(r):
		return int(r) + 1000
	case r == 0:
		return 0
	case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		return int(r)
	default:
		return int(r) + 256
	}
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// compareUpstream implements dpkg's alternating non-digit/digit run
// comparison over two version-like strings.
func compareUpstream(a, b string) int {
	i, j := 0, 0

	for i < len(a) || j < len(b) {
		// compare non-digit runs rune by rune using the ~-aware order.
		for i < len(a) && j < len(b) && !isDigit(rune(a[i])) && !isDigit(rune(b[j])) {
			oa, ob := order(rune(a[i])), order(rune(b[j]))
			if oa != ob {
				if oa < ob {
					return -1
				}

				return 1
			}

			i++
			j++
		}

		// one side ran out of non-digit chars while the other has more:
		// treat the missing side as having a "0 value" terminator so that
		// '~' still sorts before it and normal chars sort after.
		for i < len(a) && !isDigit(rune(a[i])) {
			oa, ob := order(rune(a[i])), order(0)
			if oa != ob {
				if oa < ob {
					return -1
				}

				return 1
			}

			i++
		}

		for j < len(b) && !isDigit(rune(b[j])) {
			oa, ob := order(0), order(rune(b[j]))
			if oa != ob {
				if oa < ob {
					return -1
				}

				return 1
			}

			j++
		}

		// compare digit runs numerically.
		si, sj := i, j
		for i < len(a) && isDigit(rune(a[i])) {
			i++
		}

		for j < len(b) && isDigit(rune(b[j])) {
			j++
		}

		da := strings.TrimLeft(a[si:i], "0")
		db := strings.TrimLeft(b[sj:j], "0")

		if len(da) != len(db) {
			if len(da) < len(db) {
				return -1
			}

			return 1
		}

		if c := strings.Compare(da, db); c != 0 {
			return c
		}
	}

	return 0
}
