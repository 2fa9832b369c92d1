// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalHandlerRun(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("returns when context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sh := NewSignalHandler(logger, syscall.SIGINT)
		assert.Equal(t, "signal-handler", sh.Name())

		errCh := make(chan error)
		go func() {
			errCh <- sh.Run(ctx)
		}()

		cancel()

		select {
		case err := <-errCh:
			assert.Equal(t, context.Canceled, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after context cancellation")
		}
	})

	t.Run("returns nil on signal", func(t *testing.T) {
		// SIGURG is harmless to the test binary before the handler subscribes
		sh := NewSignalHandler(logger, syscall.SIGURG)

		errCh := make(chan error, 1)
		go func() {
			errCh <- sh.Run(context.Background())
		}()

		var err error
		require.Eventually(t, func() bool {
			_ = syscall.Kill(os.Getpid(), syscall.SIGURG)
			select {
			case err = <-errCh:
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
		assert.NoError(t, err)
	})

	t.Run("nil logger falls back to default", func(t *testing.T) {
		assert.NotNil(t, NewSignalHandler(nil, syscall.SIGTERM).logger)
	})
}
