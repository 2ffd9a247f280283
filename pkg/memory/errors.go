package memory

import "errors"

var (
	// ErrMessageNotFound indicates a message id is not present in a history.
	ErrMessageNotFound = errors.New("message not found")
)
