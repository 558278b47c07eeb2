package errutil

import "fmt"

// UnknownError renders the payload for panics raised when an error slips
// past a call site's exhaustive triage.
func UnknownError(err error) string {
	return fmt.Sprintf("unhandled error of type %T: %v", err, err)
}
