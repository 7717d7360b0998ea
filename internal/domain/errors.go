// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist (or its backing
// file is missing/unreadable; readers treat corrupt state as absent).
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation is not permitted in the session's
// current stage or status.
var ErrConflict = errors.New("conflict: operation not permitted in current state")

// ErrValidation indicates malformed caller input.
var ErrValidation = errors.New("validation")

// ErrCorrupt indicates stored state could not be decoded on the write path.
var ErrCorrupt = errors.New("corrupt state")

// ErrLimit indicates a hard cap was exceeded (replanning rounds, PR creation
// retries, retry gating).
var ErrLimit = errors.New("limit exceeded")
