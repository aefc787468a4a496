package fsutil

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil,
// mirroring the teacher's pkg/utils.Wrap.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
