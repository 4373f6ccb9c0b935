package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/babelrtc/internal/bus"
)

func TestImmediateWithoutDebounce(t *testing.T) {
	b := bus.New()
	var got []bus.StatusPayload
	b.Subscribe(bus.TopicConnectionStatus, func(e bus.Event) { got = append(got, e.Payload.(bus.StatusPayload)) })

	s := NewScheduler(b, 0)
	s.Notify(bus.TopicConnectionStatus, "connected", "connected to channel")
	s.Notify(bus.TopicConnectionStatus, "connected", "connected to channel")
	s.Notify(bus.TopicConnectionStatus, "offline", "network lost")

	assert.Equal(t, []bus.StatusPayload{
		{ID: "connected", Message: "connected to channel"},
		{ID: "offline", Message: "network lost"},
	}, got)
	require.Len(t, s.History(), 2)
	assert.False(t, s.History()[0].At.IsZero())
}

func TestDebounceKeepsLatestPerTopic(t *testing.T) {
	b := bus.New()
	ch, cancel := b.SubscribeChan("", 8)
	defer cancel()

	s := NewScheduler(b, 30*time.Millisecond)
	defer s.Close()
	s.Notify(bus.TopicConnectionStatus, "offline", "network lost")
	s.Notify(bus.TopicConnectionStatus, "online", "network back")
	s.Notify(bus.TopicSupport, "no-webcam", "no camera")

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			got[e.Topic] = e.Payload.(bus.StatusPayload).ID
		case <-time.After(2 * time.Second):
			t.Fatal("notice not published")
		}
	}
	assert.Equal(t, map[string]string{
		bus.TopicConnectionStatus: "online",
		bus.TopicSupport:          "no-webcam",
	}, got)

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %s", e.Topic)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestFlushAndClose(t *testing.T) {
	b := bus.New()
	n := 0
	b.Subscribe(bus.TopicSupport, func(bus.Event) { n++ })

	s := NewScheduler(b, time.Hour)
	s.Notify(bus.TopicSupport, "a", "first")
	s.Flush()
	assert.Equal(t, 1, n)

	s.Notify(bus.TopicSupport, "b", "second")
	s.Close()
	s.Close()
	s.Notify(bus.TopicSupport, "c", "third")
	s.Flush()
	assert.Equal(t, 1, n)
}

func TestAnnounceBypassesDebounce(t *testing.T) {
	b := bus.New()
	var ids []string
	b.Subscribe(bus.TopicSupport, func(e bus.Event) { ids = append(ids, e.Payload.(bus.StatusPayload).ID) })

	s := NewScheduler(b, time.Hour)
	defer s.Close()
	s.Announce(bus.TopicSupport, "no-microphone", "no microphone detected")
	s.Announce(bus.TopicSupport, "no-webcam", "no camera detected")
	assert.Equal(t, []string{"no-microphone", "no-webcam"}, ids)

	last, ok := s.Last(bus.TopicSupport)
	require.True(t, ok)
	assert.Equal(t, "no-webcam", last.ID)
	_, ok = s.Last(bus.TopicConnectionStatus)
	assert.False(t, ok)
}
