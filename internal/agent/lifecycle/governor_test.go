package lifecycle

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGovernor_Fires(t *testing.T) {
	fired := make(chan struct{})
	g := newGovernor(20*time.Millisecond, func() { close(fired) })
	defer g.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("governor did not fire")
	}
	assert.True(t, g.Expired())
	assert.False(t, g.Reset())
}

func TestGovernor_ResetPostpones(t *testing.T) {
	var fired atomic.Int32
	g := newGovernor(150*time.Millisecond, func() { fired.Add(1) })
	defer g.Stop()

	for i := 0; i < 6; i++ {
		time.Sleep(40 * time.Millisecond)
		assert.True(t, g.Reset())
	}
	assert.Equal(t, int32(0), fired.Load())

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestGovernor_StopDisarms(t *testing.T) {
	var fired atomic.Int32
	g := newGovernor(20*time.Millisecond, func() { fired.Add(1) })
	g.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, g.Expired())
	assert.False(t, g.Reset())
}

func TestEffectiveTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Minute, effectiveTimeout(0, 30*time.Minute, 30*time.Second))
	assert.Equal(t, 5*time.Minute, effectiveTimeout(5*time.Minute, 30*time.Minute, 30*time.Second))
	assert.Equal(t, 30*time.Second, effectiveTimeout(time.Second, 30*time.Minute, 30*time.Second))
	assert.Equal(t, 30*time.Second, effectiveTimeout(0, 0, 30*time.Second))
}
