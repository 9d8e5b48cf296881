package eventlog

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"vitalink.io/fault"
)

func testLogger(t *testing.T) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestStartLogFinishRunWritesCSV(t *testing.T) {
	dir := t.TempDir()
	mon := fault.New()
	l := New(dir, 0, mon, testLogger(t))
	defer l.Stop()

	runID := l.StartRun()
	l.Log(Event{Kind: StepEntered, RunID: runID, Message: "prepare"})
	l.FinishRun(runID, "Completed")

	waitFor(t, func() bool {
		entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".csv" {
				b, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
				return len(b) > 0
			}
		}
		return false
	})
}

func TestManifestRecordsOutcome(t *testing.T) {
	dir := t.TempDir()
	mon := fault.New()
	l := New(dir, 0, mon, testLogger(t))
	runID := l.StartRun()
	l.FinishRun(runID, "Aborted")
	l.Stop()

	b, err := os.ReadFile(filepath.Join(dir, "logs", "manifest.json"))
	require.NoError(t, err)
	require.Contains(t, string(b), runID)
	require.Contains(t, string(b), "Aborted")
}

func TestSetHeartbeatIsCalledByWorkerLoop(t *testing.T) {
	dir := t.TempDir()
	mon := fault.New()
	l := New(dir, 0, mon, testLogger(t))
	defer l.Stop()

	beats := make(chan struct{}, 1)
	l.SetHeartbeat(func() {
		select {
		case beats <- struct{}{}:
		default:
		}
	})

	waitFor(t, func() bool {
		select {
		case <-beats:
			return true
		default:
			return false
		}
	})
}

func TestStateFuncStampsEvents(t *testing.T) {
	dir := t.TempDir()
	mon := fault.New()
	l := New(dir, 0, mon, testLogger(t))
	defer l.Stop()
	l.SetStateFunc(func() SystemState { return Running })

	runID := l.StartRun()
	l.Log(Event{Kind: StepEntered, RunID: runID, Message: "prepare"})

	waitFor(t, func() bool {
		entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".csv" {
				b, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
				return strings.Contains(string(b), ",Running,StepEntered,")
			}
		}
		return false
	})
}

func TestQuotaRotationDeletesOldestRun(t *testing.T) {
	dir := t.TempDir()
	mon := fault.New()
	logsDir := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0o755))
	old := filepath.Join(logsDir, "2026-01-01T00-00-00_1.csv")
	require.NoError(t, os.WriteFile(old, make([]byte, 2048), 0o644))

	l := New(dir, 1024, mon, testLogger(t))
	defer l.Stop()
	l.StartRun()

	waitFor(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	})
}

func TestEscapeForbidsRawCommasAndNewlines(t *testing.T) {
	e := Event{Kind: StepEntered, Message: "a,b\nc"}
	line := e.csvLine()
	require.NotContains(t, line[:len(line)-1], "\n")
	require.True(t, strings.HasSuffix(line, `,a\,b\nc`+"\n"))
}

func TestOversizeMessageTruncated(t *testing.T) {
	big := make([]byte, maxMessageLen*2)
	for i := range big {
		big[i] = 'x'
	}
	e := Event{Kind: StepEntered, Message: string(big)}
	got := truncate(e.Message)
	require.LessOrEqual(t, len(got), maxMessageLen)
	require.Contains(t, got, truncMarker)
}
