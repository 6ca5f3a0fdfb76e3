package control

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestSupervisor_RestartsFailedTask(t *testing.T) {
	var runs int32
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	sv := NewSupervisor(testLogger(), nil)
	task := Task{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil // exits immediately every time, forcing a restart loop
		},
	}

	sv.Run(ctx, []Task{task})

	require.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
}

func TestSupervisor_StatusesReflectStoppedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sv := NewSupervisor(testLogger(), nil)

	started := make(chan struct{})
	task := Task{
		Name: "long-lived",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		},
	}

	done := make(chan struct{})
	go func() {
		sv.Run(ctx, []Task{task})
		close(done)
	}()

	<-started
	statuses := sv.Statuses()
	require.Len(t, statuses, 1)
	require.Equal(t, taskStateRunning, statuses[0].State)

	cancel()
	<-done

	statuses = sv.Statuses()
	require.Equal(t, taskStateStopped, statuses[0].State)
}
