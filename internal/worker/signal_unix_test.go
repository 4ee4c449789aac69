//go:build unix

package worker

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignalContext(t *testing.T) {
	ctx, stop := SignalContext(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGUSR1")
	}

	// A second signal must not kill the process while draining.
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	time.Sleep(20 * time.Millisecond)
}

func TestProcessAlive(t *testing.T) {
	require.True(t, processAlive(syscall.Getpid()))
	require.False(t, processAlive(0))
}
