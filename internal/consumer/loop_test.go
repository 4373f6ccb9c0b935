package consumer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Sync()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopSyncWaitsForNestedAndTrackedWork(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var n atomic.Int32
	l.Post(func() {
		l.Post(func() { n.Add(1) })
		l.Go(func() {
			time.Sleep(20 * time.Millisecond)
			l.Post(func() { n.Add(10) })
		})
	})
	l.Sync()
	assert.Equal(t, int32(11), n.Load())
}

func TestLoopRecoversFromPanic(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	ran := false
	l.Post(func() { panic("boom") })
	l.Do(func() { ran = true })
	assert.True(t, ran)
}

func TestLoopClosed(t *testing.T) {
	l := NewLoop()
	l.Close()

	assert.False(t, l.Post(func() {}))
	done := make(chan struct{})
	go func() {
		l.Do(func() {})
		l.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Do on a closed loop blocked")
	}
}

func TestRoster(t *testing.T) {
	r := NewRoster([]string{"en", "fr"}, map[uint32]string{
		7: "de",
		3: "fr",
		5: "",
	})

	assert.Equal(t, []string{"en", "fr", "de"}, r.Languages())
	lang, ok := r.Language(3)
	assert.True(t, ok)
	assert.Equal(t, "fr", lang)
	_, ok = r.Language(5)
	assert.False(t, ok)
	assert.True(t, r.Known("de"))
	assert.False(t, r.Known("it"))
	assert.Equal(t, "stream-42", DomID(42))
}
