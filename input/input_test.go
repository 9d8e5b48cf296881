package input

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyPressShort(t *testing.T) {
	kind, ok := classifyPress(200 * time.Millisecond)
	require.True(t, ok)
	require.Equal(t, ShortPress, kind)
}

func TestClassifyPressLongAtExactThreshold(t *testing.T) {
	kind, ok := classifyPress(LongPressThreshold)
	require.True(t, ok)
	require.Equal(t, LongPress, kind)
}

func TestClassifyPressBelowMinIsDropped(t *testing.T) {
	_, ok := classifyPress(10 * time.Millisecond)
	require.False(t, ok)
}

func TestClassifyPressLongAboveThreshold(t *testing.T) {
	kind, ok := classifyPress(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, LongPress, kind)
}
