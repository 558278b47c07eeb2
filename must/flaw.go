// Package must converts impossible conditions into panics.
package must

import (
	"errors"
	"fmt"

	"github.com/xeptore/flaw/v8"
)

// BeFlaw asserts err carries a *flaw.Flaw and hands it back for chaining.
// Reaching the panic means an error path produced a bare error where only
// enriched ones are expected.
func BeFlaw(err error) *flaw.Flaw {
	flawErr := new(flaw.Flaw)
	if !errors.As(err, &flawErr) {
		panic(fmt.Sprintf("error of type %T is not a flaw: %v", err, err))
	}
	return flawErr
}
