package config

// Messages returned by the operator tool surface
const (
	// ErrTaskNotFound is the format string for unknown task ids
	ErrTaskNotFound = "task %s not found"
	// ErrStateUnavailable indicates neither store could answer
	ErrStateUnavailable = "task state temporarily unavailable"
	// MsgTaskCancelled is the format string for a successful cancel
	MsgTaskCancelled = "Task %s cancelled"
	// MsgTaskAlreadyTerminal is the format string for a cancel on a finished task
	MsgTaskAlreadyTerminal = "Task %s already %s"
)
