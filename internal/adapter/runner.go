package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	eventChannelSize = 64
	maxStderrLen     = 4000

	scannerInitialBuf = 64 * 1024
	scannerMaxBuf     = 1024 * 1024
)

// runProcess spawns the CLI, streams normalized events from its stdout, and
// appends the terminal event pair on cancellation or non-zero exit. The
// returned channel is closed when the subprocess is done. Spawn failures are
// returned synchronously so callers can detect a missing executable.
func runProcess(ctx context.Context, providerName string, args []string, workdir string, shouldCancel ShouldCancel, normalize func(string, int) []Event) (<-chan Event, error) {
	cmd := exec.Command(args[0], args[1:]...)
	if workdir != "" {
		cmd.Dir = workdir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", providerName, err)
	}

	events := make(chan Event, eventChannelSize)
	var cancelled atomic.Bool
	done := make(chan struct{})

	if shouldCancel != nil {
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					stop, err := shouldCancel(ctx)
					if err != nil {
						return
					}
					if stop {
						cancelled.Store(true)
						_ = cmd.Process.Signal(syscall.SIGTERM)
						return
					}
				}
			}
		}()
	}

	go func() {
		defer close(events)
		defer close(done)

		seq := 1
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, scannerInitialBuf), scannerMaxBuf)
		for scanner.Scan() {
			for _, event := range normalize(scanner.Text(), seq) {
				events <- event
				seq++
			}
		}

		waitErr := cmd.Wait()

		if cancelled.Load() {
			events <- Event{Seq: seq, TS: utcNowISO(), Type: EventError,
				Payload: map[string]any{"message": "cancelled"}}
			seq++
			events <- Event{Seq: seq, TS: utcNowISO(), Type: EventTurnCompleted,
				Payload: map[string]any{"status": "cancelled"}}
			return
		}

		if waitErr != nil {
			returnCode := -1
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				returnCode = exitErr.ExitCode()
			}
			events <- Event{Seq: seq, TS: utcNowISO(), Type: EventError,
				Payload: map[string]any{
					"message": fmt.Sprintf("%s exited with code %d", providerName, returnCode),
					"stderr":  truncate(strings.TrimSpace(stderr.String()), maxStderrLen),
				}}
			seq++
			events <- Event{Seq: seq, TS: utcNowISO(), Type: EventTurnCompleted,
				Payload: map[string]any{"status": "error"}}
		}
	}()

	return events, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
