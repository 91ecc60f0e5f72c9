package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/screenshare/internal/ipc"
)

// proxyBackend enumerates by asking the host runtime, which owns the
// display session the daemon cannot reach.
type proxyBackend struct {
	cmd     Commander
	timeout time.Duration
}

// NewProxyBackend returns a Backend that delegates to a connected host
// runtime. A zero timeout relies on ctx alone.
func NewProxyBackend(cmd Commander, timeout time.Duration) Backend {
	return &proxyBackend{cmd: cmd, timeout: timeout}
}

func (p *proxyBackend) Sources(ctx context.Context, kinds []Kind, size Size) ([]Source, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req := ipc.SourcesListRequest{
		Kinds:  make([]string, len(kinds)),
		Width:  size.Width,
		Height: size.Height,
	}
	for i, k := range kinds {
		req.Kinds[i] = string(k)
	}

	resp, err := p.cmd.SendCommand(ctx, "sources-"+uuid.NewString(), ipc.TypeSourcesList, req)
	if err != nil {
		return nil, fmt.Errorf("proxy: sources list: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("proxy: host runtime error: %s", resp.Error)
	}

	result, err := ipc.Decode[ipc.SourcesListResult](resp)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	sources := make([]Source, len(result.Sources))
	for i, s := range result.Sources {
		sources[i] = Source{ID: s.ID, Name: s.Name, Thumbnail: s.Thumbnail}
	}
	return sources, nil
}
