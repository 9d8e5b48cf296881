package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vitalink.io/fault"
	"vitalink.io/ringbuf"
)

const (
	queueCapacity   = 4096
	batchSize       = 64
	drainPoll       = 10 * time.Millisecond
	flushInterval   = 100 * time.Millisecond
	flushByteThresh = 4 * 1024
	defaultQuota    = 512 * 1024 * 1024
	dropReportEvery = time.Second
)

// ManifestEntry indexes one completed (or in-progress) run file.
type ManifestEntry struct {
	RunID   string    `json:"run_id"`
	File    string    `json:"file"`
	Started time.Time `json:"started"`
	Outcome string    `json:"outcome,omitempty"`
}

// Logger is the background consumer of LogEvents. Producers call Log from
// any goroutine; Log never blocks and never fails.
type Logger struct {
	root    string
	quota   int64
	monitor *fault.Monitor
	log     *logrus.Logger
	start   time.Time

	// pushMu serializes producers so the SPSC ring sees a single logical
	// writer; the worker goroutine is the single consumer.
	pushMu sync.Mutex
	queue  *ringbuf.Buffer[Event]

	stateMu sync.Mutex
	stateFn func() SystemState

	stopCh chan struct{}
	doneCh chan struct{}

	mu         sync.Mutex
	runID      string
	file       *os.File
	bytesOut   int
	totalBytes int
	reportedAt time.Time

	hbMu sync.Mutex
	hb   func()
}

// SetHeartbeat registers fn to be called on every worker-loop iteration,
// so the supervisor can detect a stalled worker. fn may be nil to disable
// heartbeat reporting.
func (l *Logger) SetHeartbeat(fn func()) {
	l.hbMu.Lock()
	l.hb = fn
	l.hbMu.Unlock()
}

func (l *Logger) beat() {
	l.hbMu.Lock()
	fn := l.hb
	l.hbMu.Unlock()
	if fn != nil {
		fn()
	}
}

// New creates a Logger rooted at root (the directory holding logs/ and
// config.json). quota is the storage budget in bytes; 0 selects the
// 512 MiB default.
func New(root string, quota int64, monitor *fault.Monitor, log *logrus.Logger) *Logger {
	if quota <= 0 {
		quota = defaultQuota
	}
	l := &Logger{
		root:    root,
		quota:   quota,
		monitor: monitor,
		log:     log,
		start:   time.Now(),
		queue:   ringbuf.New[Event](queueCapacity, ringbuf.DropNewest),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Logger) mono() time.Duration {
	return time.Since(l.start)
}

// SetStateFunc registers fn as the source of the SystemState stamped on
// every event whose producer left State at its zero value, so the trail
// records the coordinator state current at emission without every caller
// threading it through.
func (l *Logger) SetStateFunc(fn func() SystemState) {
	l.stateMu.Lock()
	l.stateFn = fn
	l.stateMu.Unlock()
}

// Log enqueues e for the worker to persist. Never blocks; when the ring is
// full the event is dropped and counted.
func (l *Logger) Log(e Event) {
	if e.Mono == 0 {
		e.Mono = l.mono()
	}
	if e.Wall.IsZero() {
		e.Wall = time.Now()
	}
	if e.State == Boot {
		l.stateMu.Lock()
		fn := l.stateFn
		l.stateMu.Unlock()
		if fn != nil {
			e.State = fn()
		}
	}
	l.pushMu.Lock()
	l.queue.TryPush(e)
	l.pushMu.Unlock()
}

var runSeq atomic.Uint64

// StartRun opens a new run file and returns its RunId, derived from
// wall-clock time plus a disambiguating sequence number.
func (l *Logger) StartRun() string {
	runID := fmt.Sprintf("%d-%d", time.Now().UnixNano(), runSeq.Add(1))
	l.mu.Lock()
	l.runID = runID
	l.mu.Unlock()
	if err := l.openRunFile(runID); err != nil {
		l.monitor.Notify(fault.Fault{Kind: fault.StorageMissing, Message: err.Error(), Origin: "eventlog"})
	}
	l.Log(Event{Kind: RunStart, RunID: runID, Message: runID})
	file := ""
	l.mu.Lock()
	if l.file != nil {
		file = filepath.Base(l.file.Name())
	}
	l.mu.Unlock()
	l.appendManifest(ManifestEntry{RunID: runID, File: file, Started: time.Now()})
	return runID
}

// FinishRun writes a terminating RunEnd event recording outcome.
func (l *Logger) FinishRun(runID, outcome string) {
	l.Log(Event{Kind: RunEnd, RunID: runID, Outcome: outcome})
	l.appendManifest(ManifestEntry{RunID: runID, Outcome: outcome})
	l.mu.Lock()
	if l.runID == runID {
		l.runID = ""
	}
	l.mu.Unlock()
}

// Stop signals the worker to drain the queue fully, flush, close the
// file, and join. Calling it again after the first call only waits for the
// worker to finish.
func (l *Logger) Stop() {
	l.mu.Lock()
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.mu.Unlock()
	<-l.doneCh
}

func (l *Logger) logsDir() string {
	return filepath.Join(l.root, "logs")
}

func (l *Logger) openRunFile(runID string) error {
	if err := os.MkdirAll(l.logsDir(), 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s.csv", time.Now().UTC().Format("2006-01-02T15-04-05"), runID)
	path := filepath.Join(l.logsDir(), name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.WriteString("monotonic_ns,wall_utc_iso,run_id,state,kind,device,token,status,message\n"); err != nil {
		f.Close()
		return err
	}
	l.mu.Lock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.bytesOut = 0
	l.mu.Unlock()
	return nil
}

func (l *Logger) appendManifest(entry ManifestEntry) {
	path := filepath.Join(l.logsDir(), "manifest.json")
	var entries []ManifestEntry
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &entries)
	}
	merged := false
	for i, e := range entries {
		if e.RunID == entry.RunID {
			if entry.Started.IsZero() {
				entry.Started = e.Started
			}
			if entry.File == "" {
				entry.File = e.File
			}
			entries[i] = entry
			merged = true
			break
		}
	}
	if !merged {
		entries = append(entries, entry)
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(l.logsDir(), 0o755)
	_ = os.WriteFile(path, b, 0o644)
}

func (l *Logger) run() {
	defer close(l.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	var droppedReported uint64

	drainBatch := func() int {
		n := 0
		for n < batchSize {
			e, ok := l.queue.TryPop()
			if !ok {
				break
			}
			l.write(e)
			n++
		}
		return n
	}

	maybeReportDrops := func() {
		dropped := l.queue.Dropped()
		if dropped == droppedReported {
			return
		}
		l.mu.Lock()
		due := time.Since(l.reportedAt) >= dropReportEvery
		l.mu.Unlock()
		if !due {
			return
		}
		l.write(Event{Kind: DroppedEvents, Mono: l.mono(), Wall: time.Now(), Message: fmt.Sprintf("events_dropped=%d", dropped)})
		droppedReported = dropped
		l.mu.Lock()
		l.reportedAt = time.Now()
		l.mu.Unlock()
	}

	for {
		l.beat()
		select {
		case <-l.stopCh:
			for drainBatch() > 0 {
			}
			l.flush()
			l.closeFile()
			return
		case <-ticker.C:
			drainBatch()
			maybeReportDrops()
			l.retryOpen()
			l.flush()
			l.enforceQuota()
		case <-time.After(drainPoll):
			drainBatch()
		}
	}
}

func (l *Logger) write(e Event) {
	line := e.csvLine()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	n, err := l.file.WriteString(line)
	if err != nil {
		// Drop to memory-only draining; retryOpen recovers the file once
		// the media is back.
		l.monitor.Notify(fault.Fault{Kind: fault.StorageFull, Message: err.Error(), Origin: "eventlog"})
		l.file.Close()
		l.file = nil
		return
	}
	l.bytesOut += n
	l.totalBytes += n
	if l.bytesOut >= flushByteThresh {
		l.file.Sync()
		l.bytesOut = 0
	}
}

// retryOpen re-attempts opening the run file after a failed StartRun (or a
// write error that closed it), so a run that began with storage missing
// recovers once the media returns. Events drained in the meantime were
// memory-only and are gone; the trail resumes from the reopen.
func (l *Logger) retryOpen() {
	l.mu.Lock()
	runID := l.runID
	missing := l.file == nil && runID != ""
	l.mu.Unlock()
	if !missing {
		return
	}
	if err := l.openRunFile(runID); err == nil {
		l.log.WithField("run", runID).Info("eventlog: run file reopened")
	}
}

func (l *Logger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	l.file.Sync()
	l.bytesOut = 0
}

func (l *Logger) closeFile() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// enforceQuota deletes the oldest completed run files until total storage
// usage is back under quota.
func (l *Logger) enforceQuota() {
	entries, err := os.ReadDir(l.logsDir())
	if err != nil {
		return
	}
	type fileInfo struct {
		path string
		mod  time.Time
		size int64
	}
	var files []fileInfo
	var used int64
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".csv" {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		used += info.Size()
		files = append(files, fileInfo{path: filepath.Join(l.logsDir(), de.Name()), mod: info.ModTime(), size: info.Size()})
	}
	// Exactly at quota counts as over: rotation must free room before the
	// next write is accepted.
	if used < l.quota {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	currentPath := ""
	l.mu.Lock()
	if l.file != nil {
		currentPath = l.file.Name()
	}
	l.mu.Unlock()
	for _, f := range files {
		if used < l.quota {
			break
		}
		if f.path == currentPath {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		used -= f.size
	}
	if used >= l.quota {
		l.monitor.Notify(fault.Fault{Kind: fault.StorageFull, Message: "quota exceeded after rotation", Origin: "eventlog"})
	}
}
