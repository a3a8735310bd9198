package floor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pttbox/pttbox/internal/logger"
)

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

func TestArbiterExclusivity(t *testing.T) {
	a := &Arbiter{Parent: nilLogger{}}
	a.Initialize()
	defer a.Close()

	granted, _, _ := a.Request("aaaaaaaa", "alice")
	require.True(t, granted)

	granted, holder, holderName := a.Request("bbbbbbbb", "bob")
	require.False(t, granted)
	require.Equal(t, "aaaaaaaa", holder)
	require.Equal(t, "alice", holderName)

	// only the current holder can release
	require.False(t, a.Release("bbbbbbbb"))
	require.True(t, a.Release("aaaaaaaa"))

	granted, _, _ = a.Request("bbbbbbbb", "bob")
	require.True(t, granted)
}

func TestArbiterConcurrent(t *testing.T) {
	a := &Arbiter{Parent: nilLogger{}}
	a.Initialize()
	defer a.Close()

	var grantCount int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			granted, _, _ := a.Request(string([]byte{'c', id}), "x")
			if granted {
				atomic.AddInt32(&grantCount, 1)
			}
		}(byte('a' + i))
	}
	wg.Wait()

	require.Equal(t, int32(1), grantCount)
}

func TestArbiterTimeout(t *testing.T) {
	evicted := make(chan string, 1)

	a := &Arbiter{
		MaxDuration: 50 * time.Millisecond,
		OnTimeout: func(holder string) {
			evicted <- holder
		},
		Parent: nilLogger{},
	}
	a.Initialize()
	defer a.Close()

	granted, _, _ := a.Request("aaaaaaaa", "alice")
	require.True(t, granted)

	select {
	case h := <-evicted:
		require.Equal(t, "aaaaaaaa", h)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for eviction")
	}

	holder, _ := a.Current()
	require.Equal(t, "", holder)
}

func TestArbiterNoTimeoutWhenDisabled(t *testing.T) {
	a := &Arbiter{
		MaxDuration: 0,
		OnTimeout: func(_ string) {
			t.Error("unexpected eviction")
		},
		Parent: nilLogger{},
	}
	a.Initialize()
	defer a.Close()

	granted, _, _ := a.Request("aaaaaaaa", "alice")
	require.True(t, granted)

	time.Sleep(100 * time.Millisecond)

	holder, _ := a.Current()
	require.Equal(t, "aaaaaaaa", holder)
}
