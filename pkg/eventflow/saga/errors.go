package saga

import "errors"

// Sentinel errors. Those returned synchronously to callers are wrapped in a
// *flowerrors.ValidationError.
var (
	ErrInvalidDefinition  = errors.New("invalid saga definition")
	ErrSagaNotFound       = errors.New("saga not found")
	ErrConcurrencyLimit   = errors.New("too many running sagas")
	ErrExecutionNotFound  = errors.New("saga execution not found")
	ErrNotRunning         = errors.New("saga execution is not running")
	ErrDuplicateSagaID    = errors.New("saga id already in use")
	ErrOrchestratorClosed = errors.New("orchestrator closed")
)

// ErrCancelled is recorded as the execution error of a cancelled saga.
var ErrCancelled = errors.New("saga cancelled")
