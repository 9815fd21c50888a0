// File: fiber/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fiber

import "context"

type ctxKey struct{}

// NewContext returns a copy of parent carrying f as the current fiber.
func NewContext(parent context.Context, f *Fiber) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, ctxKey{}, f)
}

// FromContext returns the fiber running the caller, or nil outside a fiber.
func FromContext(ctx context.Context) *Fiber {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(ctxKey{}).(*Fiber)
	return f
}
