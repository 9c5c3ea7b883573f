package notify

import "errors"

var (
	ErrInvalidInput = errors.New("notify: invalid input")
	ErrNotFound     = errors.New("notify: notification not found")
)
