// Package maybe provides an optional value type used by windflow as the
// concrete shape of a Sink kernel's end-of-stream marker (spec.md §4.1):
// maybe.Just(v) for every data record, maybe.Nothing[T]() exactly once per
// upstream lane when that lane has drained.
package maybe

// Maybe holds either a present value or nothing. Sink kernels switch on
// Match() to tell a real record apart from the end-of-stream marker.
type Maybe[T any] interface {
	Match() Matcher[T]
	WithDefault(T) T
	Map(func(T) T) Maybe[T]
}

type maybe[T any] struct {
	value T
	tag   bool
}

// Just wraps a present value.
func Just[T any](x T) Maybe[T] {
	return maybe[T]{value: x, tag: true}
}

// Nothing is the absent value, used as a Sink's end-of-stream marker.
func Nothing[T any]() Maybe[T] {
	return maybe[T]{tag: false}
}

func (m maybe[T]) Match() Matcher[T] {
	return matcher[T]{m: m}
}

// WithDefault returns the held value, or def if m is Nothing.
func (m maybe[T]) WithDefault(def T) T {
	if m.tag {
		return m.value
	}
	return def
}

// Map returns Just(f(v)) for a present value v, leaving m itself unchanged;
// Nothing maps to Nothing.
func (m maybe[T]) Map(f func(T) T) Maybe[T] {
	if m.tag {
		return Just(f(m.value))
	}
	return m
}

// AndThen chains a Maybe-producing function onto x, short-circuiting on
// Nothing.
func AndThen[T, S any](f func(T) Maybe[S], x Maybe[T]) Maybe[S] {
	var v T
	switch m := x.Match(); m {
	case m.Just(&v):
		return f(v)
	case m.Nothing():
	}
	return Nothing[S]()
}

// Map transforms the value held by x, if any, leaving Nothing untouched.
func Map[T any](f func(T) T, x Maybe[T]) Maybe[T] {
	var v T
	switch m := x.Match(); m {
	case m.Just(&v):
		v = f(v)
		return Just[T](v)
	case m.Nothing():
	}
	return x
}

// --- Matching --------------------------------------------------------------

// Matcher implements a switch-friendly destructuring of a Maybe: a caller
// writes
//
//	switch m := x.Match(); m {
//	case m.Just(&v):
//		...
//	case m.Nothing():
//		...
//	}
//
// and exactly one of the two case expressions returns a non-nil Matcher.
type Matcher[T any] interface {
	Just(*T) Matcher[T]
	Nothing() Matcher[T]
}

type matcher[T any] struct {
	m maybe[T]
}

func (mm matcher[T]) Just(v *T) Matcher[T] {
	if mm.m.tag {
		*v = mm.m.value
		return mm
	}
	return nil
}

func (mm matcher[T]) Nothing() Matcher[T] {
	if !mm.m.tag {
		return mm
	}
	return nil
}
