// Package protocol implements the finite-state interpreter that executes
// one experiment as a data-driven sequence of steps, reading parameters
// from the shared store and driving peripherals through the RPC
// multiplexer.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"vitalink.io/device"
	"vitalink.io/eventlog"
	"vitalink.io/fault"
	"vitalink.io/params"
	"vitalink.io/rpc"
)

// OutcomeKind is the engine's termination outcome.
type OutcomeKind int

const (
	Completed OutcomeKind = iota
	Aborted
	Failed
)

func (o OutcomeKind) String() string {
	switch o {
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Outcome is delivered to the coordinator via a one-shot channel when the
// engine terminates.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Step is one unit of a protocol: dispatch a Command, await a condition,
// optionally branch.
type Step struct {
	Name     string
	Device   device.Device
	Opcode   device.Opcode
	Args     func(params.Snapshot) []byte
	Deadline time.Duration // protocol-defined, typically <=5s

	// RetryAttempts defaults to 2 and RetryBackoff to 100ms when zero.
	RetryAttempts int
	RetryBackoff  time.Duration

	// Guard is an optional precondition checked before the step dispatches;
	// returning false terminates the run as Failed after the cleanup path
	// executes.
	Guard func(params.Snapshot) bool

	// Next selects the following step index given the final response of
	// this step. Returning ok=false falls through to the next step in
	// program order (the common case); the engine never consults Next for
	// a step that failed (that always goes to the abort path).
	Next func(resp device.Response) (nextIndex int, ok bool)
}

// AbortStep is a best-effort cleanup command run during the abort path.
// Failures are logged but never chain further aborts.
type AbortStep struct {
	Name   string
	Device device.Device
	Opcode device.Opcode
	Args   func(params.Snapshot) []byte
}

// Program is a named experiment: a sequence of steps plus its cleanup
// path. A protocol is a value, not a subclass.
type Program struct {
	Name  string
	Steps []Step
	Abort []AbortStep
}

const (
	defaultRetryAttempts = 2
	defaultRetryBackoff  = 100 * time.Millisecond
)

// Engine executes exactly one Program run. Exactly one Engine exists while
// the coordinator is in Running or Aborting.
type Engine struct {
	mux     *rpc.Mux
	store   *params.Store
	logger  *eventlog.Logger
	monitor *fault.Monitor

	cancel chan struct{}
}

// New creates an Engine bound to the multiplexer, parameter store, and
// logger the coordinator owns.
func New(mux *rpc.Mux, store *params.Store, logger *eventlog.Logger, monitor *fault.Monitor) *Engine {
	return &Engine{mux: mux, store: store, logger: logger, monitor: monitor, cancel: make(chan struct{})}
}

// sleep pauses for d or until cancellation, whichever comes first; every
// suspension point the engine has honors the external cancel signal.
func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-e.cancel:
		return false
	case <-time.After(d):
		return true
	}
}

func cancelled(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Cancel requests external cancellation: a long-press abort or a fault
// escalation from the coordinator. It unblocks any current await.
func (e *Engine) Cancel() {
	select {
	case <-e.cancel:
	default:
		close(e.cancel)
	}
}

// Run executes prog to completion, returning the terminal Outcome. It is
// intended to be called from its own goroutine; the coordinator receives
// the result over done.
func (e *Engine) Run(prog Program, runID string) Outcome {
	idx := 0
	for idx >= 0 && idx < len(prog.Steps) {
		step := prog.Steps[idx]
		next, outcome := e.runStep(prog, step, idx, runID)
		if outcome != nil {
			e.runAbort(prog, runID)
			return *outcome
		}
		idx = next
	}
	return Outcome{Kind: Completed}
}

func (e *Engine) runStep(prog Program, step Step, idx int, runID string) (nextIdx int, terminal *Outcome) {
	snap := e.store.Snapshot()
	if step.Guard != nil && !step.Guard(snap) {
		return 0, &Outcome{Kind: Failed, Reason: fmt.Sprintf("%s: guard failed", step.Name)}
	}

	e.logger.Log(eventlog.Event{Kind: eventlog.StepEntered, RunID: runID, Message: fmt.Sprintf("%s/%s", prog.Name, step.Name)})

	attempts := step.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	backoff := step.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	deadline := step.Deadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	var lastResp device.Response
	for attempt := 0; attempt <= attempts; attempt++ {
		select {
		case <-e.cancel:
			e.mux.AbortInFlight(step.Device)
			return 0, &Outcome{Kind: Aborted, Reason: "cancelled"}
		default:
		}

		var args []byte
		if step.Args != nil {
			args = step.Args(snap)
		}
		cmd := device.Command{Device: step.Device, Opcode: step.Opcode, Args: args, IssuedAt: time.Now()}
		sendTime := time.Now()
		fut, err := e.mux.Send(cmd, sendTime.Add(deadline))
		if err != nil {
			if attempt == attempts {
				return 0, &Outcome{Kind: Aborted, Reason: fmt.Sprintf("%s: %v", step.Name, err)}
			}
			if !e.sleep(backoff) {
				return 0, &Outcome{Kind: Aborted, Reason: "cancelled"}
			}
			continue
		}
		e.logger.Log(eventlog.Event{Kind: eventlog.CommandSent, RunID: runID, Device: cmd.Device, HasDevice: true, Token: cmd.Token, HasToken: true, Message: string(cmd.Opcode)})

		var res rpc.Result
		waitDone := make(chan struct{})
		go func() {
			res = fut.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-e.cancel:
			e.mux.AbortInFlight(step.Device)
			<-waitDone
		}

		if res.Err != nil {
			if errors.Is(res.Err, rpc.ErrCancelled) || cancelled(e.cancel) {
				return 0, &Outcome{Kind: Aborted, Reason: "cancelled"}
			}
			if attempt == attempts {
				return 0, &Outcome{Kind: Aborted, Reason: fmt.Sprintf("%s: %v", step.Name, res.Err)}
			}
			if !e.sleep(backoff) {
				return 0, &Outcome{Kind: Aborted, Reason: "cancelled"}
			}
			continue
		}
		latency := time.Since(sendTime).Microseconds()
		e.logger.Log(eventlog.Event{Kind: eventlog.ResponseReceived, RunID: runID, Token: res.Response.Token, HasToken: true, Status: res.Response.Status, HasStatus: true, LatencyUs: latency})
		lastResp = res.Response
		if res.Response.Status == device.Ok {
			if step.Next != nil {
				if n, ok := step.Next(res.Response); ok {
					return n, nil
				}
			}
			return idx + 1, nil
		}
		if attempt == attempts {
			return 0, &Outcome{Kind: Aborted, Reason: fmt.Sprintf("%s: status %s", step.Name, lastResp.Status)}
		}
		if !e.sleep(backoff) {
			return 0, &Outcome{Kind: Aborted, Reason: "cancelled"}
		}
	}
	return 0, &Outcome{Kind: Aborted, Reason: fmt.Sprintf("%s: retries exhausted", step.Name)}
}

// runAbort executes the program's cleanup commands best-effort; failures
// are logged but never chain into a further abort.
func (e *Engine) runAbort(prog Program, runID string) {
	snap := e.store.Snapshot()
	for _, step := range prog.Abort {
		var args []byte
		if step.Args != nil {
			args = step.Args(snap)
		}
		cmd := device.Command{Device: step.Device, Opcode: step.Opcode, Args: args, IssuedAt: time.Now()}
		fut, err := e.mux.Send(cmd, time.Now().Add(time.Second))
		if err != nil {
			e.monitor.Notify(fault.Fault{Kind: fault.ProtocolAbort, Message: fmt.Sprintf("abort %s: %v", step.Name, err), Origin: "protocol"})
			continue
		}
		res := fut.Wait()
		if res.Err != nil {
			e.monitor.Notify(fault.Fault{Kind: fault.ProtocolAbort, Message: fmt.Sprintf("abort %s: %v", step.Name, res.Err), Origin: "protocol"})
		}
	}
}
