//go:build windows

package userhelper

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

func (c *Client) dialIPC(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := winio.DialPipeContext(ctx, c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial pipe %s: %w", c.socketPath, err)
	}
	return conn, nil
}
