package signals

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// TestSetupSIGTERM ensures SIGTERM triggers stopCh closure and ctx cancellation.
func TestSetupSIGTERM(t *testing.T) {
	stopCh := make(chan struct{})
	ctx := Setup(stopCh)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	})

	waitClosed(t, stopCh, "stopCh after SIGTERM")
	waitClosed(t, ctx.Done(), "ctx.Done() after SIGTERM")
}

// TestSetupSIGINT ensures SIGINT triggers stopCh closure and ctx cancellation.
func TestSetupSIGINT(t *testing.T) {
	stopCh := make(chan struct{})
	ctx := Setup(stopCh)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	})

	waitClosed(t, stopCh, "stopCh after SIGINT")
	waitClosed(t, ctx.Done(), "ctx.Done() after SIGINT")
}

func TestOnHangupCallsFn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := make(chan struct{}, 4)
	OnHangup(ctx, func() { called <- struct{}{} })

	require.Eventually(t, func() bool {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
		select {
		case <-called:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)
}
