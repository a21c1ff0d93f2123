package dispatch

import (
	"errors"
	"fmt"
)

// ErrDispatcherClosed is returned by Dispatch after Close.
var ErrDispatcherClosed = errors.New("dispatch: dispatcher closed")

// ErrStatus is a non-2xx reply from an HTTP collaborator.
type ErrStatus struct {
	Code int
	Body string
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("dispatch: collaborator status %d: %s", e.Code, e.Body)
}
