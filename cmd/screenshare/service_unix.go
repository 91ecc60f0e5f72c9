//go:build !windows

package main

import (
	"context"
	"errors"
)

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

func runAsService(func(ctx context.Context) error) error {
	return errors.New("Windows service mode is not available on this platform")
}
