package mailbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	FaultPathNotFound     = "path_not_found"
	FaultPermissionDenied = "permission_denied"
	FaultIO               = "io_error"
)

// ErrEmpty reports a slot that exists but holds zero bytes. It is a valid
// outcome, not a StorageFault.
var ErrEmpty = errors.New("mailbox slot is empty")

// StorageFault is a categorized failure to open, read or write a slot.
type StorageFault struct {
	Slot     Slot
	Op       string
	Category string
	Detail   string
}

func (f *StorageFault) Error() string {
	if f == nil {
		return ""
	}
	if f.Detail == "" {
		return fmt.Sprintf("%s %s slot: %s", f.Op, f.Slot, f.Category)
	}

	return fmt.Sprintf("%s %s slot: %s: %s", f.Op, f.Slot, f.Category, f.Detail)
}

// IsStorageFault reports whether err wraps a StorageFault.
func IsStorageFault(err error) bool {
	var fault *StorageFault
	return errors.As(err, &fault)
}

// categoryFromError returns the stable category for an OS-level error.
func categoryFromError(err error) string {
	if errors.Is(err, fs.ErrNotExist) {
		return FaultPathNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return FaultPermissionDenied
	}

	return FaultIO
}

// newFault converts an OS error into a StorageFault for one slot operation.
func newFault(slot Slot, op string, err error) error {
	if err == nil {
		return nil
	}

	category := categoryFromError(err)
	detail := err.Error()

	switch category {
	case FaultPathNotFound:
		detail = "path does not exist"
	case FaultPermissionDenied:
		detail = "operation not permitted"
	default:
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			detail = pathErr.Err.Error()
		}
	}

	return &StorageFault{Slot: slot, Op: op, Category: category, Detail: detail}
}
