package log

import (
	"bytes"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Panic renders a recovered value together with the panicking goroutine's
// stack, minus the frames of the recovery plumbing itself.
func Panic(thing any) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		stack := debug.Stack()
		if lines := bytes.SplitN(stack, []byte("\n"), 10); len(lines) == 10 {
			stack = lines[9]
		}
		e.Dict("panic", zerolog.Dict().Any("content", thing).Bytes("stack_traces", stack))
	}
}
