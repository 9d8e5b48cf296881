// Package input implements the operator surface: a rotary encoder with an
// integrated push-button, read over GPIO.
package input

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/bcm283x"
)

// EventKind discriminates the operator actions the console supports.
type EventKind int

const (
	// Rotate carries a signed Delta: positive clockwise, negative
	// counter-clockwise, one unit per detent.
	Rotate EventKind = iota
	// ShortPress is a press held for at least ShortPressMin but less
	// than LongPressThreshold.
	ShortPress
	// LongPress is a press held for at least LongPressThreshold. A press
	// held for exactly the threshold resolves as LongPress, not
	// ShortPress.
	LongPress
)

// Press-duration thresholds.
const (
	ShortPressMin      = 50 * time.Millisecond
	LongPressThreshold = time.Second
)

// defaultPollInterval bounds how long watchEncoder/watchButton wait on an
// idle pin before looping back to publish a heartbeat, used when Open is
// given a non-positive interval.
const defaultPollInterval = 200 * time.Millisecond

// Event is one operator action.
type Event struct {
	Kind  EventKind
	Delta int // valid only for Rotate
}

// Pins names the three GPIO lines the encoder uses: two quadrature phases
// and the integrated button.
type Pins struct {
	A, B, Button gpio.PinIn
}

// DefaultPins mirrors the pin assignment of the reference carrier board.
func DefaultPins() Pins {
	return Pins{A: bcm283x.GPIO5, B: bcm283x.GPIO6, Button: bcm283x.GPIO13}
}

// Open initializes the encoder and button GPIOs and starts background
// goroutines publishing Events on ch. Open returns once the pins are
// configured; the goroutines run until the process exits. beat, if
// non-nil, is called at least every interval from each goroutine so the
// supervisor can detect a stalled poller; interval defaults to
// defaultPollInterval when <= 0.
func Open(pins Pins, ch chan<- Event, beat func(), interval time.Duration) error {
	if _, err := host.Init(); err != nil {
		return err
	}
	if err := pins.A.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return fmt.Errorf("input: configure encoder phase A: %w", err)
	}
	if err := pins.B.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("input: configure encoder phase B: %w", err)
	}
	if err := pins.Button.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return fmt.Errorf("input: configure button: %w", err)
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if beat == nil {
		beat = func() {}
	}

	go watchEncoder(pins, ch, beat, interval)
	go watchButton(pins.Button, ch, beat, interval)
	return nil
}

// watchEncoder polls phase A edges and samples phase B to determine
// direction, the standard quadrature decode. It waits on each edge with a
// bounded timeout so it keeps calling beat even while the encoder is idle.
func watchEncoder(pins Pins, ch chan<- Event, beat func(), interval time.Duration) {
	for {
		beat()
		if !pins.A.WaitForEdge(interval) {
			continue
		}
		a := pins.A.Read()
		b := pins.B.Read()
		delta := 1
		if a == b {
			delta = -1
		}
		ch <- Event{Kind: Rotate, Delta: delta}
	}
}

// watchButton classifies each press as ShortPress or LongPress based on
// how long the button was held, debouncing each edge before sampling. It
// waits on each edge with a bounded timeout so it keeps calling beat even
// while the button is idle.
func watchButton(btn gpio.PinIn, ch chan<- Event, beat func(), interval time.Duration) {
	const debounce = 10 * time.Millisecond
	pressed := false
	var pressedAt time.Time
	for {
		beat()
		if !btn.WaitForEdge(interval) {
			continue
		}
		time.Sleep(debounce)
		down := btn.Read() == gpio.Low
		if down == pressed {
			continue
		}
		pressed = down
		if pressed {
			pressedAt = time.Now()
			continue
		}
		if kind, ok := classifyPress(time.Since(pressedAt)); ok {
			ch <- Event{Kind: kind}
		}
	}
}

// classifyPress maps a press duration to ShortPress or LongPress. Presses
// shorter than ShortPressMin are treated as noise and dropped. A duration
// exactly equal to LongPressThreshold resolves as LongPress.
func classifyPress(held time.Duration) (EventKind, bool) {
	switch {
	case held >= LongPressThreshold:
		return LongPress, true
	case held >= ShortPressMin:
		return ShortPress, true
	default:
		return 0, false
	}
}
