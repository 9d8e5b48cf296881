package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vitalink.io/config"
	"vitalink.io/display"
	"vitalink.io/eventlog"
	"vitalink.io/fault"
	"vitalink.io/input"
	"vitalink.io/params"
	"vitalink.io/protocol"
	"vitalink.io/rpc"
	"vitalink.io/storage"
)

// heartbeatCheck and defaultStaleThreshold bound the supervision loop:
// tasks publish at <=250ms, the supervisor checks every second, and
// silence past the stall threshold counts as a stall. The stall threshold
// itself is configurable (Config.StallThreshold); defaultStaleThreshold is
// only the fallback when a Config leaves it unset.
const (
	mainLoopTick          = 100 * time.Millisecond
	heartbeatCheck        = time.Second
	defaultStaleThreshold = 3 * time.Second
	maxReinitTotal        = 3
	mainLoopTaskKey       = "mainloop"
)

// Boot failure categories, distinguished so the process can exit with the
// operator-facing code matching the failed subsystem.
var (
	ErrConfigRejected    = errors.New("coordinator: configuration rejected")
	ErrDeviceUnavailable = errors.New("coordinator: device unavailable")
)

// task is a restartable background duty the coordinator supervises by
// heartbeat. Restart is nil for tasks that cannot be restarted in place
// (the coordinator then falls back to the Error state).
type task struct {
	restart func() error
}

// System owns one instance each of the multiplexer, logger, fault monitor,
// parameter store, display, and operator input, and at most one protocol
// Engine while Running or Aborting. It is the single authority over the
// FSM in state.go.
type System struct {
	cfg    config.Config
	layout storage.Layout
	log    *logrus.Logger

	store   *params.Store
	monitor *fault.Monitor
	mux     *rpc.Mux
	logger  *eventlog.Logger
	disp    display.Writer
	input   <-chan input.Event
	program protocol.Program

	mu    sync.Mutex
	state State

	engine      *protocol.Engine
	engineDone  chan protocol.Outcome
	runID       string
	errorReason string

	// Operator console state: the parameter the encoder currently adjusts,
	// and rotation detents that arrived mid-run, applied once the run is
	// over so a running protocol only ever sees its entry snapshot.
	selected     params.Parameter
	pendingDelta int

	hb             *heartbeats
	tasks          map[string]task
	reinitUsed     int
	staleThreshold time.Duration
}

// New assembles a System from its already-constructed subsystems;
// cmd/sentineld is responsible for building each one (dialing serial
// ports, opening GPIO, and so on).
func New(cfg config.Config, layout storage.Layout, log *logrus.Logger, store *params.Store, monitor *fault.Monitor, mux *rpc.Mux, logger *eventlog.Logger, disp display.Writer, inputEvents <-chan input.Event, program protocol.Program) *System {
	if disp == nil {
		disp = display.Discard{}
	}
	stale := cfg.StallThreshold
	if stale <= 0 {
		stale = defaultStaleThreshold
	}
	s := &System{
		cfg:            cfg,
		layout:         layout,
		log:            log,
		store:          store,
		monitor:        monitor,
		mux:            mux,
		logger:         logger,
		disp:           disp,
		input:          inputEvents,
		program:        program,
		state:          Boot,
		hb:             newHeartbeats(),
		tasks:          make(map[string]task),
		staleThreshold: stale,
		selected:       params.Voltage,
	}
	logger.SetStateFunc(func() eventlog.SystemState { return toEventState(s.State()) })
	store.Subscribe(func(c params.Change) {
		logger.Log(eventlog.Event{Kind: eventlog.ParameterChanged, Key: c.Key, Old: c.Old, New: c.New})
	})
	return s
}

// State returns the coordinator's current FSM state.
func (s *System) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorReason returns the human-readable reason shown on the Error screen,
// or "" when the system has not faulted.
func (s *System) ErrorReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorReason
}

// ReinitAttempts returns how many times the supervisor has restarted a
// stalled task so far. It is capped at maxReinitTotal: once exhausted, any
// further stall escalates straight to Error rather than retrying again,
// mirroring the bounded-retry preference rpc's reconnect backoff uses.
func (s *System) ReinitAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reinitUsed
}

// Supervise registers a restartable background duty under name. restart
// may be nil if the task cannot be restarted in place, in which case a
// detected stall always escalates to Error.
func (s *System) Supervise(name string, restart func() error) {
	s.mu.Lock()
	s.tasks[name] = task{restart: restart}
	s.mu.Unlock()
	s.hb.register(name)
}

// Beat records that the named task is alive. Tasks registered via
// Supervise (and the coordinator's own main loop) call this at <=250ms
// intervals.
func (s *System) Beat(name string) {
	s.hb.beat(name)
}

func (s *System) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !Allowed(s.state, to) {
		return fmt.Errorf("coordinator: illegal transition %s -> %s", s.state, to)
	}
	s.log.WithFields(logrus.Fields{"from": s.state, "to": to}).Info("coordinator: transition")
	s.state = to
	return nil
}

func (s *System) enterError(reason string) {
	s.mu.Lock()
	from := s.state
	s.errorReason = reason
	s.mu.Unlock()
	if !Allowed(from, Error) {
		return
	}
	_ = s.transition(Error)
	s.disp.ShowError(reason)
}

// Boot runs the Boot->Init->Idle bring-up: apply configuration, connect
// the multiplexer, and seed the main loop's own heartbeat. Background
// tasks the caller started (logger, input) are put under heartbeat
// supervision by the caller's own Supervise calls. Bring-up steps run
// concurrently via errgroup; any failure reports a fault and leaves the
// System in Error.
func (s *System) Boot(ctx context.Context) error {
	if err := s.transition(Init); err != nil {
		return err
	}
	s.hb.register(mainLoopTaskKey)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.cfg.ApplyTo(s.store); err != nil {
			s.monitor.Notify(fault.Fault{Kind: fault.ConfigInvalid, Message: err.Error(), Origin: "coordinator"})
			return fmt.Errorf("%w: %v", ErrConfigRejected, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.mux.Connect(); err != nil {
			s.monitor.Notify(fault.Fault{Kind: fault.SerialIo, Message: err.Error(), Origin: "coordinator"})
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.enterError(err.Error())
		return err
	}
	if err := s.transition(Idle); err != nil {
		return err
	}
	s.disp.ShowIdle()
	return nil
}

// Reload applies a freshly loaded Config. It is only valid while Idle; a
// reload mid-run is rejected.
func (s *System) Reload(cfg config.Config) error {
	if s.State() != Idle {
		return fmt.Errorf("coordinator: reload only valid in Idle, current state %s", s.State())
	}
	if err := cfg.ApplyTo(s.store); err != nil {
		s.monitor.Notify(fault.Fault{Kind: fault.ConfigInvalid, Message: err.Error(), Origin: "coordinator"})
		return err
	}
	stale := cfg.StallThreshold
	if stale <= 0 {
		stale = defaultStaleThreshold
	}
	s.mu.Lock()
	s.cfg = cfg
	s.staleThreshold = stale
	s.mu.Unlock()
	return nil
}

// Run drives the 100ms cooperative main loop until ctx is cancelled:
// draining faults, servicing FSM transitions from operator input and
// engine completion, checking heartbeats, and refreshing the display.
func (s *System) Run(ctx context.Context) {
	ticker := time.NewTicker(mainLoopTick)
	defer ticker.Stop()
	hbTicker := time.NewTicker(heartbeatCheck)
	defer hbTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.Beat(mainLoopTaskKey)
			s.drainFaults()
			s.refreshDisplay()
		case <-hbTicker.C:
			s.checkHeartbeats()
		case ev, ok := <-s.input:
			if ok {
				s.handleInput(ev)
			}
		case outcome := <-s.engineDoneOrNil():
			s.handleEngineDone(outcome)
		}
	}
}

// engineDoneOrNil returns the active run's completion channel, or a nil
// channel (which blocks forever in a select) when no run is active.
func (s *System) engineDoneOrNil() <-chan protocol.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineDone
}

func (s *System) drainFaults() {
	for _, f := range s.monitor.Drain() {
		s.logger.Log(eventlog.Event{Kind: eventlog.FaultEvent, State: toEventState(s.State()), FaultK: f.Kind, Message: f.Message})
		switch f.Kind {
		case fault.ConfigInvalid:
			s.enterError(f.Message)
		case fault.StorageMissing:
			// Mid-run the logger drains to memory and retries the open on
			// its own; only a permanently failed store is terminal.
			if f.Permanent {
				s.enterError(f.Message)
			}
		case fault.ThreadStall:
			// checkHeartbeats already restarted the task or escalated;
			// nothing more to decide here.
		case fault.SerialIo:
			// A transient disconnect is already being handled by the
			// multiplexer's own reconnect/backoff; only a channel that has
			// exhausted that budget escalates the coordinator.
			if f.Permanent {
				s.enterError(f.Message)
			}
		}
	}
}

// toEventState converts a coordinator State to eventlog's independently
// defined SystemState, kept separate to avoid eventlog importing
// coordinator.
func toEventState(s State) eventlog.SystemState {
	switch s {
	case Boot:
		return eventlog.Boot
	case Init:
		return eventlog.Init
	case Idle:
		return eventlog.Idle
	case Running:
		return eventlog.Running
	case Finished:
		return eventlog.Finished
	case Aborting:
		return eventlog.Aborting
	case Error:
		return eventlog.ErrorState
	default:
		return eventlog.Boot
	}
}

func (s *System) checkHeartbeats() {
	s.mu.Lock()
	tasks := make(map[string]task, len(s.tasks))
	for k, v := range s.tasks {
		tasks[k] = v
	}
	s.mu.Unlock()

	s.mu.Lock()
	stale := s.staleThreshold
	s.mu.Unlock()
	for _, name := range s.hb.stale(stale, time.Now()) {
		if name == mainLoopTaskKey {
			continue
		}
		t, known := tasks[name]
		s.logger.Log(eventlog.Event{Kind: eventlog.HeartbeatMissed, Message: name})
		s.monitor.Notify(fault.Fault{Kind: fault.ThreadStall, Message: fmt.Sprintf("task %s stalled", name), Origin: "coordinator"})
		s.mu.Lock()
		canRestart := known && t.restart != nil && s.reinitUsed < maxReinitTotal
		if canRestart {
			s.reinitUsed++
		}
		s.mu.Unlock()
		if canRestart {
			if err := t.restart(); err != nil {
				s.deregister(name)
				s.enterError(fmt.Sprintf("restart %s failed: %v", name, err))
				continue
			}
			s.hb.beat(name)
			continue
		}
		s.deregister(name)
		s.enterError(fmt.Sprintf("task %s stalled and could not be restarted", name))
	}
}

// deregister removes a task declared dead from heartbeat supervision so it
// is not re-reported as stalled on every check while the system sits in
// Error; a later Supervise call registers it afresh.
func (s *System) deregister(name string) {
	s.mu.Lock()
	delete(s.tasks, name)
	s.mu.Unlock()
	s.hb.forget(name)
}

func (s *System) handleInput(ev input.Event) {
	switch ev.Kind {
	case input.ShortPress:
		switch s.State() {
		case Idle:
			s.startRun()
		case Finished:
			_ = s.transition(Idle)
			s.applyPendingRotation()
			s.disp.ShowIdle()
		case Error:
			s.acknowledgeError()
		}
	case input.LongPress:
		switch s.State() {
		case Running:
			s.mu.Lock()
			eng := s.engine
			s.mu.Unlock()
			if eng != nil {
				_ = s.transition(Aborting)
				eng.Cancel()
			}
		case Idle:
			s.cycleSelection()
		}
	case input.Rotate:
		if s.State() == Idle {
			s.adjustSelected(ev.Delta)
			return
		}
		// Mid-run detents are deferred so the active run only ever sees the
		// snapshot it started with; they apply on the way back to Idle.
		s.mu.Lock()
		s.pendingDelta += ev.Delta
		s.mu.Unlock()
	}
}

// paramSteps is the per-detent increment the encoder applies to each
// parameter.
var paramSteps = map[params.Parameter]float64{
	params.Temperature:     0.5,
	params.FlowRate:        0.5,
	params.Voltage:         0.5,
	params.Frequency:       10,
	params.SyringeDiameter: 0.5,
}

// cycleSelection advances the parameter the encoder adjusts. Long press is
// reserved outside Running; this implementation assigns the Idle long press
// to selection cycling so the operator can reach every parameter without a
// second control. A long press in Finished or Error does nothing.
func (s *System) cycleSelection() {
	s.mu.Lock()
	s.selected = params.Parameter((int(s.selected) + 1) % len(paramSteps))
	sel := s.selected
	s.mu.Unlock()
	s.log.WithField("parameter", sel).Info("coordinator: parameter selected")
}

func (s *System) adjustSelected(delta int) {
	s.mu.Lock()
	sel := s.selected
	s.mu.Unlock()
	step := paramSteps[sel]
	target := s.store.Get(sel) + float64(delta)*step
	// Clamp to bounds rather than surfacing OutOfRange for a detent past
	// the end of the range.
	b := s.store.Bounds(sel)
	if target < b.Min {
		target = b.Min
	}
	if target > b.Max {
		target = b.Max
	}
	_, _ = s.store.Set(sel, target)
}

// applyPendingRotation replays detents that arrived while a run was active,
// so the trail shows their ParameterChanged after the RunEnd they waited
// out.
func (s *System) applyPendingRotation() {
	s.mu.Lock()
	delta := s.pendingDelta
	s.pendingDelta = 0
	s.mu.Unlock()
	if delta != 0 {
		s.adjustSelected(delta)
	}
}

// acknowledgeError is the operator path out of Error: reinit the failed
// subsystems, and only on success return to Idle. A failed reinit leaves
// the system in Error with the new reason displayed.
func (s *System) acknowledgeError() {
	if err := s.mux.Connect(); err != nil {
		s.mu.Lock()
		s.errorReason = err.Error()
		s.mu.Unlock()
		s.disp.ShowError(err.Error())
		s.log.WithError(err).Warn("coordinator: reinit failed, staying in Error")
		return
	}
	s.mu.Lock()
	s.errorReason = ""
	s.mu.Unlock()
	_ = s.transition(Idle)
	s.applyPendingRotation()
	s.disp.ShowIdle()
}

func (s *System) startRun() {
	if err := s.transition(Running); err != nil {
		return
	}
	eng := protocol.New(s.mux, s.store, s.logger, s.monitor)
	runID := s.logger.StartRun()

	s.mu.Lock()
	s.engine = eng
	s.runID = runID
	s.engineDone = make(chan protocol.Outcome, 1)
	done := s.engineDone
	s.mu.Unlock()

	go func() {
		done <- eng.Run(s.program, runID)
	}()
}

func (s *System) handleEngineDone(outcome protocol.Outcome) {
	s.mu.Lock()
	runID := s.runID
	from := s.state
	s.engine = nil
	s.engineDone = nil
	s.mu.Unlock()

	s.logger.FinishRun(runID, outcome.Kind.String())

	if from == Error {
		// A fault escalation (e.g. a permanently unavailable channel)
		// already moved the coordinator to Error while the engine was still
		// unwinding its abort path; the run's own outcome doesn't get to
		// relitigate that transition.
		return
	}

	switch outcome.Kind {
	case protocol.Completed:
		if from == Aborting {
			// Cancellation raced the final step's success; the operator
			// asked to stop, so skip the Finished ack gate.
			_ = s.transition(Idle)
			s.applyPendingRotation()
			s.disp.ShowIdle()
			return
		}
		_ = s.transition(Finished)
		s.disp.ShowFinished(outcome.Kind.String())
	case protocol.Aborted:
		// An aborted run returns to Idle without operator acknowledgement,
		// whether the abort came from a long-press (already in Aborting) or
		// from the engine's own retry exhaustion (still in Running, with no
		// fault escalated yet).
		if from == Running {
			_ = s.transition(Aborting)
		}
		_ = s.transition(Idle)
		s.applyPendingRotation()
		s.disp.ShowIdle()
	case protocol.Failed:
		s.enterError(outcome.Reason)
	}
}

func (s *System) refreshDisplay() {
	switch s.State() {
	case Running:
		s.mu.Lock()
		name := s.program.Name
		s.mu.Unlock()
		s.disp.ShowRunning(name, 0)
	}
}

// shutdown propagates cancellation depth-first (engine, multiplexer,
// logger) and joins in reverse dependency order.
func (s *System) shutdown() {
	s.mu.Lock()
	eng := s.engine
	done := s.engineDone
	runID := s.runID
	s.mu.Unlock()
	if eng != nil {
		eng.Cancel()
		select {
		case outcome := <-done:
			s.logger.FinishRun(runID, outcome.Kind.String())
		case <-time.After(3 * time.Second):
			s.logger.FinishRun(runID, protocol.Aborted.String())
		}
	}
	s.mux.Shutdown()
	s.logger.Stop()
	s.disp.Close()
}
