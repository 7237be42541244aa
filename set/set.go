package set

import (
	"cmp"
	"slices"
)

type Set[T cmp.Ordered] struct {
	set map[T]struct{}
}

// New returns a set holding items.
func New[T cmp.Ordered](items ...T) *Set[T] {
	s := &Set[T]{}
	for _, item := range items {
		s.Insert(item)
	}
	return s
}

func (s *Set[T]) Insert(k T) {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	s.set[k] = struct{}{}
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

func (s *Set[T]) Len() int {
	return len(s.set)
}

// Items returns the members in ascending order.
func (s *Set[T]) Items() []T {
	out := make([]T, 0, len(s.set))
	for k := range s.set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
