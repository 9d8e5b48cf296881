package protocol

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"vitalink.io/device"
	"vitalink.io/eventlog"
	"vitalink.io/fault"
	"vitalink.io/internal/simdevice"
	"vitalink.io/params"
	"vitalink.io/rpc"
)

func testEngine(t *testing.T, handlers map[device.Device]simdevice.Handler) (*Engine, *params.Store) {
	t.Helper()
	sims := make(map[device.Device]*simdevice.Sim)
	for _, d := range device.All {
		h := handlers[d]
		if h == nil {
			h = simdevice.AlwaysOK()
		}
		sims[d] = simdevice.New(false, h)
	}
	mon := fault.New()
	log := logrus.New()
	log.SetOutput(io.Discard)
	mux := rpc.New(func(d device.Device) (io.ReadWriteCloser, error) { return sims[d], nil }, mon, log, false)
	require.NoError(t, mux.Connect())
	t.Cleanup(mux.Shutdown)

	store := params.New()
	_, _ = store.Set(params.Voltage, 12)

	dir := t.TempDir()
	elog := eventlog.New(dir, 0, mon, log)
	t.Cleanup(elog.Stop)

	return New(mux, store, elog, mon), store
}

func TestHappyPathCompletes(t *testing.T) {
	e, _ := testEngine(t, nil)
	outcome := e.Run(LysisProtocol(), "run-1")
	require.Equal(t, Completed, outcome.Kind)
}

func TestTimeoutThenRetrySucceeds(t *testing.T) {
	calls := 0
	flaky := simdevice.Handler(func(cmd device.Command) (device.Response, bool) {
		calls++
		if calls == 1 {
			return device.Response{}, false // withhold once
		}
		return device.Response{Status: device.Ok}, true
	})
	e, _ := testEngine(t, map[device.Device]simdevice.Handler{device.PulseGen: flaky})
	prog := LysisProtocol()
	prog.Steps[1].Deadline = 20 * time.Millisecond
	prog.Steps[1].RetryBackoff = time.Millisecond
	outcome := e.Run(prog, "run-2")
	require.Equal(t, Completed, outcome.Kind)
	require.GreaterOrEqual(t, calls, 2)
}

func TestNackExhaustsRetriesAndAborts(t *testing.T) {
	nack := simdevice.Handler(func(device.Command) (device.Response, bool) {
		return device.Response{Status: device.Nack}, true
	})
	e, _ := testEngine(t, map[device.Device]simdevice.Handler{device.PowerSupply: nack})
	prog := LysisProtocol()
	prog.Steps[0].RetryBackoff = time.Millisecond
	outcome := e.Run(prog, "run-3")
	require.Equal(t, Aborted, outcome.Kind)
}

func TestGuardFailureFailsRun(t *testing.T) {
	e, _ := testEngine(t, nil)
	prog := LysisProtocol()
	prog.Steps[0].Guard = func(s params.Snapshot) bool { return s.Get(params.Voltage) > 100 }
	outcome := e.Run(prog, "run-guard")
	require.Equal(t, Failed, outcome.Kind)
	require.Contains(t, outcome.Reason, "guard")
}

func TestCancelDuringStepAborts(t *testing.T) {
	withheld := simdevice.Handler(func(device.Command) (device.Response, bool) { return device.Response{}, false })
	e, _ := testEngine(t, map[device.Device]simdevice.Handler{device.PulseGen: withheld})
	prog := LysisProtocol()
	prog.Steps[1].Deadline = 10 * time.Second

	done := make(chan Outcome, 1)
	go func() { done <- e.Run(prog, "run-4") }()
	time.Sleep(20 * time.Millisecond)
	e.Cancel()

	select {
	case outcome := <-done:
		require.Equal(t, Aborted, outcome.Kind)
	case <-time.After(time.Second):
		t.Fatal("engine did not honor cancellation")
	}
}
