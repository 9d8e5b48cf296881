// Package simdevice provides an in-memory peripheral simulator behind the
// io.ReadWriteCloser interface real serial channels use, so the
// multiplexer and protocol engine can be exercised without hardware.
package simdevice

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"vitalink.io/device"
)

// Handler computes the Response for an incoming Command. Returning ok=false
// withholds any reply, simulating a timeout.
type Handler func(device.Command) (resp device.Response, ok bool)

// Sim is a fake peripheral. Writes are parsed as command frames and handed
// to Handler; the computed Response, if any, becomes readable. Read blocks
// until response bytes are available or the device is closed, matching the
// semantics of the serial port it stands in for.
type Sim struct {
	withCRC bool
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	pend   bytes.Buffer // bytes written by the caller, not yet parsed into commands
	outBuf bytes.Buffer // encoded response bytes ready to be Read
	closed bool
}

// New creates a Sim using handler to answer every parsed command.
func New(withCRC bool, handler Handler) *Sim {
	s := &Sim{withCRC: withCRC, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write implements io.Writer. It accepts one or more CR-LF terminated
// command frames, invokes the handler for each, and buffers the encoded
// reply for a subsequent Read.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.pend.Write(p)
	scanner := bufio.NewScanner(bytes.NewReader(s.pend.Bytes()))
	scanner.Split(bufio.ScanLines)
	var consumed int
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += len(line) + 2
		cmd, err := parseCommandLine(line)
		if err != nil {
			continue
		}
		resp, ok := s.handler(cmd)
		if !ok {
			continue
		}
		resp.Token = cmd.Token
		s.outBuf.Write(device.EncodeResponse(resp, s.withCRC))
	}
	rem := s.pend.Bytes()
	if consumed <= len(rem) {
		s.pend.Next(consumed)
	}
	s.cond.Broadcast()
	return len(p), nil
}

// Read implements io.Reader, returning bytes from queued, already-encoded
// responses. It blocks until at least one byte is available or the device
// has been closed.
func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.outBuf.Len() == 0 {
		if s.closed {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	return s.outBuf.Read(p)
}

// Close marks the device closed; blocked Reads return io.EOF and further
// Writes fail.
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

func parseCommandLine(line []byte) (device.Command, error) {
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return device.Command{}, errors.New("simdevice: short frame")
	}
	// Tokens and opcodes only; args/CRC are not needed to drive the
	// handler in tests, so they are ignored here.
	var token uint64
	for _, b := range fields[0] {
		if b < '0' || b > '9' {
			return device.Command{}, errors.New("simdevice: bad token")
		}
		token = token*10 + uint64(b-'0')
	}
	return device.Command{Token: uint32(token), Opcode: device.Opcode(fields[1])}, nil
}

// AlwaysOK returns a Handler that immediately acknowledges every command.
func AlwaysOK() Handler {
	return func(cmd device.Command) (device.Response, bool) {
		return device.Response{Status: device.Ok}, true
	}
}
