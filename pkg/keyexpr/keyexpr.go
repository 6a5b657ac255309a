package keyexpr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a key expression fails validation.
// Malformed expressions are rejected at declaration/put/get time so that
// matching itself never has to deal with them.
var ErrMalformed = errors.New("malformed key expression")

const (
	delimiter         = "/"
	wildcardSegment   = "*"
	wildcardRecursive = "**"
)

// KeyExpr is a validated, immutable, slash-delimited key expression.
// Segments are either literal, "*" (matches exactly one segment) or
// "**" (matches zero or more segments).
//
// The zero value is not a valid key expression; construct via New.
type KeyExpr struct {
	expr     string
	segments []string
	concrete bool
}

// New validates expr and returns it as a KeyExpr.
func New(expr string) (KeyExpr, error) {
	if expr == "" {
		return KeyExpr{}, fmt.Errorf("%w: empty expression", ErrMalformed)
	}
	if strings.HasPrefix(expr, delimiter) || strings.HasSuffix(expr, delimiter) {
		return KeyExpr{}, fmt.Errorf("%w: leading or trailing '/' in %q", ErrMalformed, expr)
	}

	segments := strings.Split(expr, delimiter)
	concrete := true
	for _, seg := range segments {
		switch {
		case seg == "":
			return KeyExpr{}, fmt.Errorf("%w: empty segment in %q", ErrMalformed, expr)
		case seg == wildcardSegment || seg == wildcardRecursive:
			concrete = false
		case strings.Contains(seg, wildcardSegment):
			// "a*b" and friends are ambiguous; wildcards must stand alone.
			return KeyExpr{}, fmt.Errorf("%w: wildcard inside literal segment %q", ErrMalformed, seg)
		case strings.ContainsAny(seg, "?#"):
			return KeyExpr{}, fmt.Errorf("%w: reserved character in segment %q", ErrMalformed, seg)
		}
	}

	return KeyExpr{expr: expr, segments: segments, concrete: concrete}, nil
}

// MustNew is New for statically known expressions; it panics on error.
func MustNew(expr string) KeyExpr {
	ke, err := New(expr)
	if err != nil {
		panic(err)
	}
	return ke
}

// String returns the expression text.
func (k KeyExpr) String() string {
	return k.expr
}

// IsConcrete reports whether the expression contains no wildcards and
// therefore names exactly one key.
func (k KeyExpr) IsConcrete() bool {
	return k.concrete
}

// IsZero reports whether k is the (invalid) zero value.
func (k KeyExpr) IsZero() bool {
	return k.expr == ""
}

// Matches reports whether the concrete key is matched by this expression.
// The key is expected to be a well-formed concrete key; wildcard characters
// in it are treated as literals.
func (k KeyExpr) Matches(key string) bool {
	return matchSegments(k.segments, strings.Split(key, delimiter))
}

// Intersects reports whether some concrete key matches both expressions.
// The test is symmetric: a.Intersects(b) == b.Intersects(a).
func (k KeyExpr) Intersects(other KeyExpr) bool {
	return intersectSegments(k.segments, other.segments)
}

// matchSegments walks pattern and key with a single backtrack point per
// "**": on a mismatch the most recent "**" absorbs one more key segment
// and the walk resumes after it. Each (pattern, key) position pair is
// visited at most once, so matching is linear in len(pattern)*len(key).
func matchSegments(pattern, key []string) bool {
	pi, ki := 0, 0
	backPi, backKi := -1, -1
	for ki < len(key) {
		switch {
		case pi < len(pattern) && pattern[pi] == wildcardRecursive:
			// "**" absorbs zero segments first; remember where to
			// widen if the rest fails to match.
			backPi, backKi = pi, ki
			pi++
		case pi < len(pattern) && (pattern[pi] == wildcardSegment || pattern[pi] == key[ki]):
			pi++
			ki++
		case backPi >= 0:
			backKi++
			pi, ki = backPi+1, backKi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == wildcardRecursive {
		pi++
	}
	return pi == len(pattern)
}

// intersectSegments reports whether some concrete key is matched by both
// expressions. Visited (a, b) position pairs are recorded so the walk
// stays linear in len(a)*len(b) no matter how many "**" either side has.
func intersectSegments(a, b []string) bool {
	seen := make([]bool, (len(a)+1)*(len(b)+1))
	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		idx := i*(len(b)+1) + j
		if seen[idx] {
			return false
		}
		seen[idx] = true
		if i == len(a) && j == len(b) {
			return true
		}
		if i < len(a) && a[i] == wildcardRecursive {
			if walk(i+1, j) {
				return true
			}
			return j < len(b) && walk(i, j+1)
		}
		if j < len(b) && b[j] == wildcardRecursive {
			if walk(i, j+1) {
				return true
			}
			return i < len(a) && walk(i+1, j)
		}
		if i == len(a) || j == len(b) {
			return false
		}
		if a[i] == wildcardSegment || b[j] == wildcardSegment || a[i] == b[j] {
			return walk(i+1, j+1)
		}
		return false
	}
	return walk(0, 0)
}

// ParseSelector splits a selector of the form "<keyexpr>[?<parameters>]"
// into its validated key expression and the opaque parameter string.
// Parameters are never interpreted by the engine.
func ParseSelector(selector string) (KeyExpr, string, error) {
	expr, params, _ := strings.Cut(selector, "?")
	ke, err := New(expr)
	if err != nil {
		return KeyExpr{}, "", err
	}
	return ke, params, nil
}
