package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how callers should react to it.
type Kind string

const (
	KindConfiguration Kind = "configuration" // no usable credential
	KindTransient     Kind = "transient"     // quota or availability, retry budget exhausted
	KindTerminal      Kind = "terminal"      // rejected request or unparseable output
	KindMedia         Kind = "media"         // response carried no image/audio payload
	KindAssembly      Kind = "assembly"      // render aborted
	KindConflict      Kind = "conflict"      // job already in flight
	KindInvalid       Kind = "invalid"       // bad caller input
)

var (
	ErrNoCredential      = errors.New("no credential available")
	ErrJobInFlight       = errors.New("generation already in progress")
	ErrMalformedOutput   = errors.New("generation service returned malformed output")
	ErrNoMedia           = errors.New("generation service returned no media")
	ErrNothingToAssemble = errors.New("no scene has both an image and narration")
)

// Error carries a Kind and, when the failure belongs to a single scene, its
// index. Scene is -1 for project-wide failures.
type Error struct {
	Kind  Kind
	Scene int
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind) + " error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Scene >= 0 {
		return fmt.Sprintf("scene %d: %s", e.Scene+1, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Scene: -1, Err: err}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// ForScene attaches a scene index to err, keeping its kind when it already has
// one. Errors without a kind are treated as terminal.
func ForScene(index int, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Scene == index {
			return err
		}
		return &Error{Kind: ae.Kind, Scene: index, Err: ae.Err}
	}
	return &Error{Kind: KindTerminal, Scene: index, Err: err}
}

// KindOf reports the kind of err. Sentinels map to their natural kind so
// callers can return them bare.
func KindOf(err error) Kind {
	var ae *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		return ae.Kind
	case errors.Is(err, ErrNoCredential):
		return KindConfiguration
	case errors.Is(err, ErrJobInFlight):
		return KindConflict
	case errors.Is(err, ErrNoMedia):
		return KindMedia
	case errors.Is(err, ErrMalformedOutput):
		return KindTerminal
	case errors.Is(err, ErrNothingToAssemble):
		return KindInvalid
	default:
		return KindTerminal
	}
}

// SceneOf returns the scene index carried by err, or -1.
func SceneOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Scene
	}
	return -1
}

// HTTPStatus maps a kind to the status code the API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindConfiguration:
		return http.StatusPreconditionFailed
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindTerminal, KindMedia:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
