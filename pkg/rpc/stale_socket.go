package rpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// cleanStaleSocket removes a socket file left behind by a crashed server.
// It returns an error when another server still answers on socketPath.
func cleanStaleSocket(socketPath string) error {
	_, err := os.Stat(socketPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	dialer := net.Dialer{}
	conn, dialErr := dialer.DialContext(ctx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("another foreman server is already running on %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}
