package procsup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_CapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), "echo", []string{"hello"}, Options{})
	require.NoError(t, err)
	require.Equal(t, "hello\n", res.Stdout)
	require.Equal(t, 0, res.ExitCode)
}

func TestRun_NonZeroExitReturnsResultAndError(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "exit 3"}, Options{})
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, 3, res.ExitCode)
}

func TestRun_ContextCancelTerminatesProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := Run(ctx, "sleep", []string{"30"}, Options{})
	require.Error(t, err)
	require.Less(t, time.Since(start), 6*time.Second, "should terminate promptly on cancellation, not wait for sleep 30")
}

func TestRun_StreamsLinesViaOnLine(t *testing.T) {
	var lines []string
	_, err := Run(context.Background(), "sh", []string{"-c", "echo one; echo two"}, Options{
		OnLine: func(stream, line string) {
			if stream == "stdout" {
				lines = append(lines, line)
			}
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, lines)
}
