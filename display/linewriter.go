package display

import (
	"fmt"
	"io"

	"vitalink.io/fault"
)

// LineWriter renders each screen as a short line of text to an underlying
// device file; an external pixel driver owns the monochrome panel itself.
// It is the concrete Writer cmd/sentineld wires up on Linux.
type LineWriter struct {
	dev     io.WriteCloser
	monitor *fault.Monitor
}

// NewLineWriter wraps dev (typically a character device or regular file
// the real pixel driver watches) as a Writer. monitor receives a DisplayIo
// fault if a write to dev ever fails; it may be nil, in which case write
// failures are silently swallowed (matching a headless/no-monitor test
// setup).
func NewLineWriter(dev io.WriteCloser, monitor *fault.Monitor) *LineWriter {
	return &LineWriter{dev: dev, monitor: monitor}
}

func (w *LineWriter) writeLine(s string) {
	if _, err := fmt.Fprintf(w.dev, "%s\n", s); err != nil && w.monitor != nil {
		w.monitor.Notify(fault.Fault{Kind: fault.DisplayIo, Message: err.Error(), Origin: "display"})
	}
}

func (w *LineWriter) ShowIdle() {
	w.writeLine("IDLE - press to start")
}

func (w *LineWriter) ShowRunning(step string, progress float32) {
	w.writeLine(fmt.Sprintf("RUNNING %s %.0f%%", step, progress*100))
}

func (w *LineWriter) ShowFinished(outcome string) {
	w.writeLine(fmt.Sprintf("FINISHED: %s - press to continue", outcome))
}

func (w *LineWriter) ShowError(reason string) {
	w.writeLine(fmt.Sprintf("ERROR: %s - press to acknowledge", reason))
}

func (w *LineWriter) Close() error {
	return w.dev.Close()
}
