package checkpoint

import (
	"errors"
	"fmt"
)

// EmptyBackend is the backend name of the sentinel handle for tasks without state.
const EmptyBackend = "empty"

// Handle is an opaque reference to task state that a state backend has made
// durable. The backend that created it owns the underlying data.
type Handle struct {
	Backend string `json:"backend"`
	Key     string `json:"key,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// EmptyHandle returns the sentinel handle for empty state.
func EmptyHandle() Handle {
	return Handle{Backend: EmptyBackend}
}

// IsEmpty reports whether h is the empty-state sentinel.
func (h Handle) IsEmpty() bool {
	return h.Backend == EmptyBackend
}

// ErrInvalidHandle is returned for handles that do not reference any state.
var ErrInvalidHandle = errors.New("invalid snapshot handle")

// Validate reports whether h can be restored from.
func (h Handle) Validate() error {
	switch {
	case h.Backend == "":
		return fmt.Errorf("%w: missing backend", ErrInvalidHandle)
	case h.IsEmpty():
		return nil
	case h.Key == "":
		return fmt.Errorf("%w: backend %s without key", ErrInvalidHandle, h.Backend)
	case h.Size < 0:
		return fmt.Errorf("%w: negative size %d", ErrInvalidHandle, h.Size)
	}
	return nil
}

func (h Handle) String() string {
	if h.IsEmpty() {
		return "handle(empty)"
	}
	return fmt.Sprintf("handle(%s:%s, %dB)", h.Backend, h.Key, h.Size)
}
