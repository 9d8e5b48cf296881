package rpc

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"vitalink.io/device"
	"vitalink.io/fault"
	"vitalink.io/internal/simdevice"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dialerFor(sims map[device.Device]*simdevice.Sim) Dialer {
	return func(d device.Device) (io.ReadWriteCloser, error) {
		return sims[d], nil
	}
}

func newTestMux(t *testing.T, handlers map[device.Device]simdevice.Handler) (*Mux, *fault.Monitor) {
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
	m := New(dialerFor(sims), mon, testLogger(), false)
	require.NoError(t, m.Connect())
	t.Cleanup(m.Shutdown)
	return m, mon
}

func TestSendReceivesOk(t *testing.T) {
	m, _ := newTestMux(t, nil)
	fut, err := m.Send(device.Command{Device: device.PowerSupply, Opcode: "ENABLE"}, time.Now().Add(time.Second))
	require.NoError(t, err)
	res := fut.Wait()
	require.NoError(t, res.Err)
	require.Equal(t, device.Ok, res.Response.Status)
}

func TestSendTimesOutWhenWithheld(t *testing.T) {
	withheld := simdevice.Handler(func(device.Command) (device.Response, bool) { return device.Response{}, false })
	m, mon := newTestMux(t, map[device.Device]simdevice.Handler{device.PulseGen: withheld})
	fut, err := m.Send(device.Command{Device: device.PulseGen, Opcode: "FIRE"}, time.Now().Add(5*time.Millisecond))
	require.NoError(t, err)
	res := fut.Wait()
	require.ErrorIs(t, res.Err, ErrTimeout)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(mon.Drain()) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected a SerialTimeout fault to be escalated")
}

func TestAbortInFlightCancels(t *testing.T) {
	withheld := simdevice.Handler(func(device.Command) (device.Response, bool) { return device.Response{}, false })
	m, _ := newTestMux(t, map[device.Device]simdevice.Handler{device.Pump: withheld})
	fut, err := m.Send(device.Command{Device: device.Pump, Opcode: "RUN"}, time.Now().Add(10*time.Second))
	require.NoError(t, err)
	m.AbortInFlight(device.Pump)
	res := fut.Wait()
	require.ErrorIs(t, res.Err, ErrCancelled)
}

func TestConnectIsIdempotent(t *testing.T) {
	m, _ := newTestMux(t, nil)
	require.NoError(t, m.Connect())
	require.NoError(t, m.Connect())
}

func TestDeadlineAlreadyPassedExpiresImmediately(t *testing.T) {
	withheld := simdevice.Handler(func(device.Command) (device.Response, bool) { return device.Response{}, false })
	m, _ := newTestMux(t, map[device.Device]simdevice.Handler{device.PowerSupply: withheld})
	fut, err := m.Send(device.Command{Device: device.PowerSupply, Opcode: "ENABLE"}, time.Now().Add(-time.Millisecond))
	require.NoError(t, err)
	res := fut.Wait()
	require.ErrorIs(t, res.Err, ErrTimeout)
}
