package reconciler

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage rejects a send with neither text nor attachment.
	ErrEmptyMessage = errors.New("reconciler: message is empty")
	// ErrTemporaryMessage rejects server operations on optimistic messages.
	ErrTemporaryMessage = errors.New("reconciler: message is not persisted yet")
	// ErrNothingToRegenerate is returned when the session has no user message.
	ErrNothingToRegenerate = errors.New("reconciler: no user message to regenerate")
	// ErrSendAborted is returned when the user canceled or switched sessions
	// while a send was still creating its session.
	ErrSendAborted = errors.New("reconciler: send aborted")
	// ErrNoActiveSession is returned by operations that need a selected session.
	ErrNoActiveSession = errors.New("reconciler: no active session")

	ErrUnsupportedAttachment = errors.New("unsupported file type")
	ErrAttachmentTooLarge    = errors.New("file exceeds 10MB")
)

// PersistenceError wraps a failed call to the persistence API.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// UploadError reports a rejected or failed attachment upload.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
