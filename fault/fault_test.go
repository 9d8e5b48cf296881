package fault

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifyAndDrain(t *testing.T) {
	m := New()
	m.Notify(Fault{Kind: SerialIo, Message: "unplugged"})
	got := m.Drain()
	require.Len(t, got, 1)
	require.Equal(t, SerialIo, got[0].Kind)
	require.Empty(t, m.Drain())
}

func TestDuplicateWithinWindowNotReescalated(t *testing.T) {
	now := time.Now()
	m := New()
	m.nowFunc = func() time.Time { return now }

	m.Notify(Fault{Kind: SerialCrc, Message: "bad line"})
	now = now.Add(100 * time.Millisecond)
	m.Notify(Fault{Kind: SerialCrc, Message: "bad line"})

	got := m.Drain()
	require.Len(t, got, 1)
}

func TestDuplicateAfterWindowReescalates(t *testing.T) {
	now := time.Now()
	m := New()
	m.nowFunc = func() time.Time { return now }

	m.Notify(Fault{Kind: SerialCrc, Message: "bad line"})
	now = now.Add(2 * time.Second)
	m.Notify(Fault{Kind: SerialCrc, Message: "bad line"})

	got := m.Drain()
	require.Len(t, got, 2)
}

func TestQueueDropsWhenFull(t *testing.T) {
	m := New()
	for i := 0; i < queueCapacity+10; i++ {
		m.Notify(Fault{Kind: ThreadStall, Message: fmt.Sprintf("stall %d", i)})
	}
	require.Greater(t, m.Dropped(), uint64(0))
}

func TestSuppressedCountsDuplicates(t *testing.T) {
	now := time.Now()
	m := New()
	m.nowFunc = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		m.Notify(Fault{Kind: SerialCrc, Message: "bad line"})
	}
	require.Len(t, m.Drain(), 1)
	require.EqualValues(t, 4, m.Suppressed())
}
