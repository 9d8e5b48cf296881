// Package fault implements the deduplicating fault aggregator that
// collects Fault values from any goroutine and escalates them to the
// supervisor's single-threaded loop.
package fault

import (
	"time"

	"vitalink.io/ringbuf"
)

// Kind is a closed enumeration of fault categories.
type Kind int

const (
	SerialIo Kind = iota
	SerialTimeout
	SerialCrc
	StorageMissing
	StorageFull
	ConfigInvalid
	ProtocolAbort
	ThreadStall
	DisplayIo
)

func (k Kind) String() string {
	switch k {
	case SerialIo:
		return "SerialIo"
	case SerialTimeout:
		return "SerialTimeout"
	case SerialCrc:
		return "SerialCrc"
	case StorageMissing:
		return "StorageMissing"
	case StorageFull:
		return "StorageFull"
	case ConfigInvalid:
		return "ConfigInvalid"
	case ProtocolAbort:
		return "ProtocolAbort"
	case ThreadStall:
		return "ThreadStall"
	case DisplayIo:
		return "DisplayIo"
	default:
		return "Unknown"
	}
}

// Fault is a structured error notification.
type Fault struct {
	Kind Kind
	// Permanent distinguishes a channel or resource that has exhausted its
	// local recovery budget (e.g. the multiplexer's 5s reconnect cap) from a
	// transient occurrence of the same Kind that local recovery already
	// handled. Only permanent faults of a recoverable Kind escalate the
	// coordinator to Error.
	Permanent bool
	Message   string
	Origin    string
	Timestamp time.Time
}

const (
	queueCapacity  = 64
	dedupCapacity  = 64
	dedupWindow    = time.Second
)

type dedupKey struct {
	kind    Kind
	message string
}

type dedupEntry struct {
	key   dedupKey
	seen  time.Time
	count uint64 // occurrences suppressed since the entry last escalated
}

// Monitor aggregates faults from any goroutine, de-duplicating repeats
// within a sliding window and queuing the rest for the coordinator to
// drain. Monitor is safe for concurrent Notify calls; Drain must only be
// called from the coordinator's own goroutine.
type Monitor struct {
	queue *ringbuf.Buffer[Fault]

	mu         chanMutex
	dedup      []dedupEntry // LRU: front is most recently used
	suppressed uint64
	nowFunc    func() time.Time
}

// chanMutex is a 1-capacity channel used as a mutex around the I/O-free
// dedup critical section. The other packages use sync.Mutex; this is a
// stylistic choice and behaves the same.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New creates a Monitor. nowFunc defaults to time.Now; tests may override
// it to control the dedup window deterministically.
func New() *Monitor {
	return &Monitor{
		queue:   ringbuf.New[Fault](queueCapacity, ringbuf.DropNewest),
		mu:      newChanMutex(),
		nowFunc: time.Now,
	}
}

func (m *Monitor) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// Notify reports a fault. If an equal (Kind, Message) fault was already
// observed within the dedup window, the new occurrence is counted but not
// re-queued for escalation. Safe to call from any goroutine, including the
// one reporting the fault.
func (m *Monitor) Notify(f Fault) {
	if f.Timestamp.IsZero() {
		f.Timestamp = m.now()
	}
	key := dedupKey{kind: f.Kind, message: f.Message}
	now := m.now()

	m.mu.Lock()
	isNew := true
	found := false
	for i, e := range m.dedup {
		if e.key == key {
			found = true
			if now.Sub(e.seen) < dedupWindow {
				isNew = false
				e.count++
			} else {
				e.count = 0
			}
			// Refresh and move to front (most recently used).
			m.dedup = append(m.dedup[:i], m.dedup[i+1:]...)
			e.seen = now
			m.dedup = append([]dedupEntry{e}, m.dedup...)
			break
		}
	}
	if !found {
		entry := dedupEntry{key: key, seen: now}
		m.dedup = append([]dedupEntry{entry}, m.dedup...)
		if len(m.dedup) > dedupCapacity {
			m.dedup = m.dedup[:dedupCapacity]
		}
	}
	if isNew {
		// Push while still holding the lock: the ring is single-producer,
		// and Notify is callable from any goroutine.
		m.queue.TryPush(f)
	} else {
		m.suppressed++
	}
	m.mu.Unlock()
}

// Suppressed returns how many duplicate faults the dedup window has
// absorbed without re-escalating.
func (m *Monitor) Suppressed() uint64 {
	m.mu.Lock()
	n := m.suppressed
	m.mu.Unlock()
	return n
}

// Dropped returns the number of escalations discarded because the queue
// was full.
func (m *Monitor) Dropped() uint64 {
	return m.queue.Dropped()
}

// Drain removes and returns every currently queued fault. Only the
// coordinator's goroutine should call this: escalated faults are therefore
// only ever acted on from the coordinator's own thread, never on a
// reporting goroutine. Monitor has no handler registration; the caller of
// Drain is the escalation path.
func (m *Monitor) Drain() []Fault {
	var out []Fault
	for {
		f, ok := m.queue.TryPop()
		if !ok {
			break
		}
		out = append(out, f)
	}
	return out
}
