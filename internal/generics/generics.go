// Package generics holds small generic containers the stdlib does not provide.
package generics

// Set is a map-backed set with no payload.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set, pre-sized if a size is given.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) > 0 {
		return make(Set[T], size[0])
	}
	return make(Set[T])
}

// SetWith returns a Set holding the given elements.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert adds keys to the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}
