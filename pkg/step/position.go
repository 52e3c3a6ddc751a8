// Package step defines the intermediate representation (IR) of a flow:
// the tree of steps an executor walks, and the Position type used to
// record exactly where in that tree a running flow instance is.
package step

import (
	"fmt"
	"strconv"
	"strings"
)

// Else is the sentinel branch index for an If's else-branch and for a
// Switch's default case. Positive branch indices are 1-based for
// else-if branches (0 is reserved for the then-branch at the *step*
// level, not the branch level — see Position below) and 0-based for
// Switch cases.
const Else = -1

// Position is a path of integers identifying a location in the step
// tree. Path [i] is root step i. For an If at index i, [i, 0] is the
// then-branch, [i, 1], [i, 2], ... are else-if branches in declaration
// order, and [i, Else] is the else-branch. For a Switch, the second
// component is the 0-based case index in declaration order, or Else
// for the default branch. Deeper nesting appends further components:
// a branch itself contains steps, so [i, 0, j] is step j inside the
// then-branch of step i.
//
// This is the one place Position's encoding is defined; every reader
// of a Position should come back here rather than re-deriving it.
type Position []int

// Root returns the starting position: the root step list, index 0.
func Root() Position {
	return Position{0}
}

// Head returns the first component of the path (the root step index).
func (p Position) Head() int {
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// WithStep returns a copy of p with its leaf path component replaced.
func (p Position) WithStep(i int) Position {
	if len(p) == 0 {
		return Position{i}
	}
	out := make(Position, len(p))
	copy(out, p)
	out[len(out)-1] = i
	return out
}

// Child appends a new path component, descending into a branch/case/
// loop-body/iteration scope.
func (p Position) Child(i int) Position {
	out := make(Position, len(p)+1)
	copy(out, p)
	out[len(p)] = i
	return out
}

// Parent returns the path with its last component dropped, and true if
// a parent exists.
func (p Position) Parent() (Position, bool) {
	if len(p) <= 1 {
		return nil, false
	}
	out := make(Position, len(p)-1)
	copy(out, p)
	return out, true
}

// Equal reports whether two positions denote the same tree location.
func (p Position) Equal(o Position) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// String renders the position as a dotted path, e.g. "2.0.1", with the
// else/default sentinel rendered as "else".
func (p Position) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		if v == Else {
			parts[i] = "else"
		} else {
			parts[i] = strconv.Itoa(v)
		}
	}
	return strings.Join(parts, ".")
}

// ParsePosition parses the String() format back into a Position.
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return Root(), nil
	}
	parts := strings.Split(s, ".")
	out := make(Position, len(parts))
	for i, part := range parts {
		if part == "else" {
			out[i] = Else
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("step: invalid position component %q: %w", part, err)
		}
		out[i] = v
	}
	return out, nil
}

// Clone returns an independent copy of the position.
func (p Position) Clone() Position {
	out := make(Position, len(p))
	copy(out, p)
	return out
}
