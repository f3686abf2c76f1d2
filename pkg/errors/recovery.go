package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic converts a recovered panic value into a fatal error carrying
// the stack trace. Used by delivery callbacks so a bad packet can never take
// down the process.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("panic: %s", v)
	default:
		err = fmt.Errorf("panic: %v", v)
	}

	return NewError("PANIC", fmt.Sprintf("panic recovered: %v\n%s", err, debug.Stack())).AsFatal().WithCause(err)
}
