// Package rpc implements the request/response multiplexer that owns one
// serial channel per Device, correlates Commands with Responses by token,
// and enforces per-request deadlines.
package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"vitalink.io/device"
	"vitalink.io/fault"
)

// Errors a Future can resolve to, beyond a normal device.Response.
var (
	ErrTimeout            = errors.New("rpc: timeout")
	ErrCancelled          = errors.New("rpc: cancelled")
	ErrChannelUnavailable = errors.New("rpc: channel unavailable")
)

// Dialer opens the underlying channel for a Device. Production code wires
// this to the real serial port; tests wire it to an in-memory simulator.
type Dialer func(device.Device) (io.ReadWriteCloser, error)

// Result is what a Future resolves to.
type Result struct {
	Response device.Response
	Err      error
}

// Future is returned by Send; the caller blocks on Wait (or selects on C)
// to obtain the eventual Result.
type Future struct {
	C <-chan Result
}

// Wait blocks until the result is available.
func (f *Future) Wait() Result {
	return <-f.C
}

const (
	readerPollInterval = 10 * time.Millisecond
	timeoutTick        = time.Millisecond
	reconnectCap       = 5 * time.Second
	recentTokenWindow  = 4096
)

// Mux owns one serial channel per Device and multiplexes Commands and
// Responses across them.
type Mux struct {
	dial    Dialer
	monitor *fault.Monitor
	log     *logrus.Logger
	withCRC bool

	channels [3]*channel

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	hbMu       sync.Mutex
	hbFn       func(device.Device)
	hbInterval time.Duration
}

type channel struct {
	dev Device
	mux *Mux

	writeMu sync.Mutex
	conn    io.ReadWriteCloser

	stateMu   sync.Mutex
	connected bool
	permanent bool

	inflightMu   sync.Mutex
	inflight     map[uint32]*inFlightEntry
	nextToken    uint32
	recentTokens map[uint32]struct{}
	recentOrder  []uint32

	readerDone chan struct{}
}

type Device = device.Device

type inFlightEntry struct {
	token    uint32
	deadline time.Time
	result   chan Result
}

// New creates a Mux. dial opens a channel for a given Device; monitor
// receives fault reports; log is the operational (non-LogEvent) logger.
// withCRC selects whether frames carry a CRC-16 trailer.
func New(dial Dialer, monitor *fault.Monitor, log *logrus.Logger, withCRC bool) *Mux {
	m := &Mux{
		dial:    dial,
		monitor: monitor,
		log:     log,
		withCRC: withCRC,
		stopCh:  make(chan struct{}),
	}
	for i, d := range device.All {
		m.channels[i] = &channel{
			dev:          d,
			mux:          m,
			inflight:     make(map[uint32]*inFlightEntry),
			recentTokens: make(map[uint32]struct{}),
			readerDone:   make(chan struct{}),
		}
	}
	m.wg.Add(1)
	go m.timeoutLoop()
	return m
}

func (m *Mux) channelFor(d device.Device) *channel {
	return m.channels[int(d)]
}

// SetHeartbeat registers fn to be called for each device's reader at least
// every interval while that reader is alive, so the supervisor can detect
// a stalled reader. Call before Connect; interval defaults to
// readerPollInterval when <= 0. fn may be nil to disable heartbeat
// reporting.
func (m *Mux) SetHeartbeat(interval time.Duration, fn func(device.Device)) {
	if interval <= 0 {
		interval = readerPollInterval
	}
	m.hbMu.Lock()
	m.hbInterval = interval
	m.hbFn = fn
	m.hbMu.Unlock()
}

func (m *Mux) beat(d device.Device) {
	m.hbMu.Lock()
	fn := m.hbFn
	m.hbMu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (m *Mux) heartbeatInterval() time.Duration {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	if m.hbInterval <= 0 {
		return readerPollInterval
	}
	return m.hbInterval
}

// Restart forces the channel for d closed, unblocking a reader goroutine
// that has stopped making progress. The resulting read error drives the
// normal reportIOFault/reconnect path. Used by the coordinator's heartbeat
// supervisor (see cmd/sentineld) to restart a stalled reader task.
func (m *Mux) Restart(d device.Device) error {
	c := m.channelFor(d)
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return fmt.Errorf("rpc: restart %s: not connected", d)
	}
	return conn.Close()
}

// Connect opens every channel. On any failure it closes channels already
// opened this call and returns an error naming the device that failed.
// Re-entering Connect when already connected is a no-op.
func (m *Mux) Connect() error {
	var opened []*channel
	for _, c := range m.channels {
		c.stateMu.Lock()
		already := c.connected
		c.stateMu.Unlock()
		if already {
			continue
		}
		conn, err := m.dial(c.dev)
		if err != nil {
			for _, oc := range opened {
				oc.conn.Close()
				oc.stateMu.Lock()
				oc.connected = false
				oc.stateMu.Unlock()
			}
			return fmt.Errorf("rpc: connect %s: %w", c.dev, err)
		}
		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		c.stateMu.Lock()
		c.connected = true
		c.permanent = false
		c.stateMu.Unlock()
		// A fresh done channel per reader: the previous reader (if any)
		// closed the old one on exit.
		c.readerDone = make(chan struct{})
		opened = append(opened, c)
		m.wg.Add(1)
		go m.readerLoop(c)
	}
	return nil
}

// Send allocates a correlation token, dispatches cmd on device d, and
// returns a Future the caller awaits. deadline is absolute.
func (m *Mux) Send(cmd device.Command, deadline time.Time) (*Future, error) {
	c := m.channelFor(cmd.Device)
	c.stateMu.Lock()
	connected, permanent := c.connected, c.permanent
	c.stateMu.Unlock()
	if permanent {
		return nil, ErrChannelUnavailable
	}
	if !connected {
		return nil, ErrChannelUnavailable
	}

	token := c.allocateToken()
	cmd.Token = token
	entry := &inFlightEntry{token: token, deadline: deadline, result: make(chan Result, 1)}

	c.inflightMu.Lock()
	c.inflight[token] = entry
	c.inflightMu.Unlock()

	frame, err := device.EncodeCommand(cmd, m.withCRC)
	if err != nil {
		c.inflightMu.Lock()
		delete(c.inflight, token)
		c.inflightMu.Unlock()
		return nil, err
	}

	c.writeMu.Lock()
	conn := c.conn
	var werr error
	if conn == nil {
		werr = ErrChannelUnavailable
	} else {
		_, werr = conn.Write(frame)
	}
	c.writeMu.Unlock()
	if werr != nil {
		c.inflightMu.Lock()
		delete(c.inflight, token)
		c.inflightMu.Unlock()
		m.reportIOFault(c, werr)
		return nil, ErrChannelUnavailable
	}

	return &Future{C: entry.result}, nil
}

// allocateToken returns the next correlation token for the channel,
// monotonic modulo 2^32, skipping tokens still marked "recently used" to
// avoid premature reuse while values are in flight or just finished.
func (c *channel) allocateToken() uint32 {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	for {
		t := c.nextToken
		c.nextToken++
		if _, inflight := c.inflight[t]; inflight {
			continue
		}
		if _, recent := c.recentTokens[t]; recent {
			continue
		}
		c.markRecentLocked(t)
		return t
	}
}

func (c *channel) markRecentLocked(t uint32) {
	c.recentTokens[t] = struct{}{}
	c.recentOrder = append(c.recentOrder, t)
	if len(c.recentOrder) > recentTokenWindow {
		evict := c.recentOrder[0]
		c.recentOrder = c.recentOrder[1:]
		delete(c.recentTokens, evict)
	}
}

// AbortInFlight cancels every in-flight request for d, signaling each
// waiter with ErrCancelled.
func (m *Mux) AbortInFlight(d device.Device) {
	c := m.channelFor(d)
	c.inflightMu.Lock()
	entries := make([]*inFlightEntry, 0, len(c.inflight))
	for tok, e := range c.inflight {
		entries = append(entries, e)
		delete(c.inflight, tok)
	}
	c.inflightMu.Unlock()
	for _, e := range entries {
		e.result <- Result{Err: ErrCancelled}
	}
}

// Shutdown aborts all in-flight requests and closes every channel.
func (m *Mux) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	for _, d := range device.All {
		m.AbortInFlight(d)
	}
	for _, c := range m.channels {
		c.writeMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.writeMu.Unlock()
	}
	m.wg.Wait()
}

func (m *Mux) reportIOFault(c *channel, err error) {
	c.stateMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.stateMu.Unlock()
	if !wasConnected {
		// The loss was already reported (a write error and the reader's
		// read error race to get here); one reconnect is enough.
		return
	}

	// Release the dead descriptor; this also unblocks a reader still
	// parked in a read on it.
	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.writeMu.Unlock()

	c.inflightMu.Lock()
	entries := make([]*inFlightEntry, 0, len(c.inflight))
	for tok, e := range c.inflight {
		entries = append(entries, e)
		delete(c.inflight, tok)
	}
	c.inflightMu.Unlock()

	select {
	case <-m.stopCh:
		// Shutting down: the channel error is expected, not a fault.
		for _, e := range entries {
			e.result <- Result{Err: ErrCancelled}
		}
		return
	default:
	}

	m.monitor.Notify(fault.Fault{Kind: fault.SerialIo, Message: fmt.Sprintf("%s: %v", c.dev, err), Origin: "rpc." + c.dev.String()})
	for _, e := range entries {
		e.result <- Result{Err: ErrChannelUnavailable}
	}

	go m.reconnect(c)
}

// readResult carries one line (or terminal error) from the blocking read
// goroutine to readerLoop proper, which selects on it alongside the
// heartbeat ticker rather than being stuck inside ReadBytes unboundedly.
type readResult struct {
	line []byte
	err  error
}

// readerLoop reads CR-LF terminated lines from c's channel, matching each
// complete line against the in-flight table. It selects on a heartbeat
// ticker so it calls m.beat(c.dev) at least every heartbeatInterval even
// when the channel is otherwise idle.
func (m *Mux) readerLoop(c *channel) {
	defer m.wg.Done()
	defer close(c.readerDone)

	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()

	done := c.readerDone
	incoming := make(chan readResult)
	go func() {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 || err != nil {
				select {
				case incoming <- readResult{line: line, err: err}:
				case <-done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.heartbeatInterval())
	defer ticker.Stop()

	for {
		m.beat(c.dev)
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			continue
		case res := <-incoming:
			if len(res.line) > 0 {
				m.handleLine(c, res.line)
			}
			if res.err != nil {
				m.reportIOFault(c, res.err)
				return
			}
		}
	}
}

func (m *Mux) handleLine(c *channel, line []byte) {
	resp, perr := device.DecodeResponseLine(line, m.withCRC)
	if perr != nil {
		m.monitor.Notify(fault.Fault{Kind: fault.SerialCrc, Message: perr.Error(), Origin: "rpc." + c.dev.String()})
		return
	}
	c.inflightMu.Lock()
	entry, ok := c.inflight[resp.Token]
	if ok {
		delete(c.inflight, resp.Token)
	}
	c.inflightMu.Unlock()
	if !ok {
		return
	}
	resp.ReceivedAt = time.Now()
	entry.result <- Result{Response: resp}
}

// timeoutLoop is the single monotonic timer task: it ticks every
// timeoutTick and walks every channel's in-flight table, expiring entries
// whose deadline has passed.
func (m *Mux) timeoutLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(timeoutTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			for _, c := range m.channels {
				c.expireDeadlines(now, m)
			}
		}
	}
}

func (c *channel) expireDeadlines(now time.Time, m *Mux) {
	c.inflightMu.Lock()
	var expired []*inFlightEntry
	for tok, e := range c.inflight {
		if !now.Before(e.deadline) {
			expired = append(expired, e)
			delete(c.inflight, tok)
		}
	}
	c.inflightMu.Unlock()
	for _, e := range expired {
		m.monitor.Notify(fault.Fault{Kind: fault.SerialTimeout, Message: fmt.Sprintf("token %d", e.token), Origin: "rpc." + c.dev.String()})
		e.result <- Result{Err: ErrTimeout}
	}
}

// reconnect attempts to reopen c's channel with exponential backoff capped
// at reconnectCap total wall-clock. After the budget is exhausted the
// channel is marked permanently failed and subsequent Sends return
// ErrChannelUnavailable immediately.
func (m *Mux) reconnect(c *channel) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = reconnectCap
	bo.MaxInterval = reconnectCap

	op := func() error {
		select {
		case <-m.stopCh:
			return backoff.Permanent(errors.New("rpc: shutting down"))
		default:
		}
		conn, err := m.dial(c.dev)
		if err != nil {
			return err
		}
		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		c.stateMu.Lock()
		c.connected = true
		c.stateMu.Unlock()
		c.readerDone = make(chan struct{})
		m.wg.Add(1)
		go m.readerLoop(c)
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		c.stateMu.Lock()
		c.permanent = true
		c.connected = false
		c.stateMu.Unlock()
		m.monitor.Notify(fault.Fault{Kind: fault.SerialIo, Permanent: true, Message: fmt.Sprintf("%s: permanently unavailable: %v", c.dev, err), Origin: "rpc." + c.dev.String()})
	}
}
