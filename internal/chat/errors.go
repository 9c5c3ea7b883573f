package chat

import "errors"

var (
	ErrInvalidInput = errors.New("chat: invalid input")

	// ErrNotMember signals the user is neither attending nor hosting the
	// plan and may not read or write its chat.
	ErrNotMember = errors.New("chat: not a member of plan")

	// ErrPlanArchived signals the plan is past its archive window and its
	// chat no longer accepts messages.
	ErrPlanArchived = errors.New("chat: plan archived")

	// ErrUnknownMessage signals a retry referenced no locally known failed
	// message.
	ErrUnknownMessage = errors.New("chat: unknown message")
)
