package telephony

import "errors"

// Failure taxonomy shared by the orchestrator components. Callers match
// with errors.Is; wrapped errors carry the detail.
var (
	// ErrPermissionDenied means the line is not available to this process.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTimeout means a bounded decision ran past its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrStorageFailure means a log or settings write failed.
	ErrStorageFailure = errors.New("storage failure")
	// ErrUnsupportedOperation means the action is not valid right now or
	// not supported by the line.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)
