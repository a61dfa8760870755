// Package optional allows to express optional command line values.
package optional

import "errors"

// Value is an optional value.
type Value[T any] struct {
	ok  bool
	val T
}

// None creates an empty optional value.
func None[T any]() Value[T] {
	return Value[T]{}
}

// Some creates a non-empty optional value.
func Some[T any](val T) Value[T] {
	return Value[T]{
		ok:  true,
		val: val,
	}
}

// FromFlag creates an optional value that is empty when the flag
// has its zero value (e.g., an empty string).
func FromFlag[T comparable](val T) Value[T] {
	var zero T
	if val == zero {
		return None[T]()
	}
	return Some(val)
}

// Empty returns whether the [Value] is empty.
func (v Value[T]) Empty() bool {
	return !v.ok
}

// ErrEmpty is the error passed to panic by [Value.Unwrap] when the value is empty.
var ErrEmpty = errors.New("optional: empty value")

// Unwrap panics if [Value] is empty, otherwise returns the underlying value.
func (v Value[T]) Unwrap() T {
	if !v.ok {
		panic(ErrEmpty)
	}
	return v.val
}

// UnwrapOr returns the underlying value or def when the [Value] is empty.
func (v Value[T]) UnwrapOr(def T) T {
	if !v.ok {
		return def
	}
	return v.val
}
