package orchestrator

import "errors"

var (
	ErrSessionNotSelected = errors.New("no session selected")
	ErrTaskAlreadyRunning = errors.New("a task is already running")
	ErrStopped            = errors.New("orchestrator stopped")
)
