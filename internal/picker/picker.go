// Package picker asks the user to choose one capture source.
package picker

import (
	"context"
	"errors"

	"github.com/breeze-rmm/screenshare/internal/capture"
	"github.com/breeze-rmm/screenshare/internal/logging"
)

var log = logging.L("picker")

// ErrCancelled means the user dismissed the picker.
var ErrCancelled = errors.New("picker: cancelled by user")

// TransportError is any failure to run the picker or read its answer, as
// opposed to the user declining.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "picker: transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Pick is the user's choice. ID is expected to name one of the presented
// previews; callers must check.
type Pick struct {
	ID    string `json:"id"`
	Audio bool   `json:"audio"`
}

// Mediator presents previews and returns exactly one outcome: a Pick,
// ErrCancelled, or a *TransportError.
type Mediator interface {
	Present(ctx context.Context, previews []capture.Preview, singleChoice bool) (Pick, error)
}

// Func adapts a function to Mediator.
type Func func(ctx context.Context, previews []capture.Preview, singleChoice bool) (Pick, error)

func (f Func) Present(ctx context.Context, previews []capture.Preview, singleChoice bool) (Pick, error) {
	return f(ctx, previews, singleChoice)
}
