// Package extcall isolates calls into untrusted collaborators (asset movers,
// vaults, swap routers). A failing or panicking collaborator yields a Result
// instead of unwinding the caller.
package extcall

import (
	"fmt"

	errorsmod "cosmossdk.io/errors"
)

var ErrCallFailed = errorsmod.Register("extcall", 2, "external call failed")

// Result is the captured outcome of an external call.
type Result[T any] struct {
	Value T
	Err   error
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Call invokes fn and captures its value, error or panic.
func Call[T any](name string, fn func() (T, error)) (res Result[T]) {
	defer func() {
		if p := recover(); p != nil {
			var zero T
			res = Result[T]{Value: zero, Err: errorsmod.Wrapf(ErrCallFailed, "%s panicked: %v", name, p)}
		}
	}()

	v, err := fn()
	if err != nil {
		return Result[T]{Value: v, Err: errorsmod.Wrapf(ErrCallFailed, "%s: %v", name, err)}
	}
	return Result[T]{Value: v}
}

// Do is Call for collaborators that return only an error.
func Do(name string, fn func() error) error {
	return Call(name, func() (struct{}, error) {
		return struct{}{}, fn()
	}).Err
}

// Describe renders a result for logs.
func (r Result[T]) String() string {
	if r.Err != nil {
		return fmt.Sprintf("failed: %v", r.Err)
	}
	return fmt.Sprintf("ok: %v", r.Value)
}
