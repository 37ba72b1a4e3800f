package exam

import "errors"

var (
	// ErrNotFound means the referenced scenario or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the operation is not legal in the session's
	// current status, e.g. posting a turn to a completed session.
	ErrInvalidState = errors.New("invalid session state")
	// ErrEvaluationFailed means the grader call produced nothing usable.
	// The parsing fallback makes this nearly unreachable for content
	// problems; it covers transport failures and timeouts.
	ErrEvaluationFailed = errors.New("evaluation failed")
)
