package faults

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// FromPanic converts a recovered panic value into an uncaughtFault carrying
// the stack of the panicking goroutine.
func FromPanic(r any) *Fault {
	goerr := goerrors.Wrap(r, 2)

	return &Fault{
		Name:       UncaughtFault,
		Message:    fmt.Sprintf("panic: %v", r),
		Stacktrace: string(goerr.Stack()),
	}
}
