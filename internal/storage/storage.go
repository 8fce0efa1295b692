// Package storage declares errors shared by every store backend.
package storage

import "github.com/go-faster/errors"

// ErrConflict signals that a concurrent update invalidated the operation's
// view of the data. Services retry a bounded number of times before
// surfacing it to the caller.
var ErrConflict = errors.New("concurrent update conflict")
