package picker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/screenshare/internal/capture"
	"github.com/breeze-rmm/screenshare/internal/ipc"
)

// Remote runs the picker in a host runtime's UI over IPC. Only data crosses
// the wire: the previews out, the pick (or null) back.
type Remote struct {
	cmd     capture.Commander
	timeout time.Duration
}

// NewRemote binds a mediator to one host runtime session. A zero timeout
// waits as long as ctx allows.
func NewRemote(cmd capture.Commander, timeout time.Duration) *Remote {
	return &Remote{cmd: cmd, timeout: timeout}
}

func (r *Remote) Present(ctx context.Context, previews []capture.Preview, singleChoice bool) (Pick, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req := ipc.PickerOpenRequest{
		Previews:     make([]ipc.PreviewData, len(previews)),
		SingleChoice: singleChoice,
	}
	for i, p := range previews {
		req.Previews[i] = ipc.PreviewData{ID: p.ID, Name: p.Name, URL: p.URL}
	}

	id := "picker-" + uuid.NewString()
	resp, err := r.cmd.SendCommand(ctx, id, ipc.TypePickerOpen, req)
	if err != nil {
		return Pick{}, r.transportErr(id, err)
	}
	if resp.Error != "" {
		return Pick{}, r.transportErr(id, errors.New(resp.Error))
	}

	result, err := ipc.Decode[ipc.PickerResult](resp)
	if err != nil {
		return Pick{}, r.transportErr(id, err)
	}
	if result.Pick == nil {
		return Pick{}, ErrCancelled
	}
	return Pick{ID: result.Pick.ID, Audio: result.Pick.Audio}, nil
}

func (r *Remote) transportErr(id string, err error) error {
	log.Warn("picker transport failure", "id", id, "error", err)
	return &TransportError{Err: err}
}
