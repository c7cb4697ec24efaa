package events

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/agentmux/log"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

// stuckSink blocks every Emit until released, then records what it got.
type stuckSink struct {
	release chan struct{}

	mu  sync.Mutex
	got []Event
}

func (s *stuckSink) Emit(e Event) {
	<-s.release
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
}

func (s *stuckSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestAsyncSinkNeverBlocksEmitters(t *testing.T) {
	downstream := &stuckSink{release: make(chan struct{})}
	sink := NewAsyncSink(downstream, 4)

	emitted := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			ev := New(AgentOutput)
			ev.AgentID = fmt.Sprintf("agent-%d", i)
			sink.Emit(ev)
		}
		close(emitted)
	}()

	select {
	case <-emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked behind a stuck downstream")
	}

	// The drain goroutine holds at most one batch while the buffer holds
	// four more; everything else must have been shed.
	require.GreaterOrEqual(t, sink.Dropped(), 92)

	close(downstream.release)
	sink.Close()
	require.Equal(t, 100-sink.Dropped(), downstream.count())
}

// recordSink accepts immediately.
type recordSink struct {
	mu  sync.Mutex
	got []Event
}

func (s *recordSink) Emit(e Event) {
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
}

func TestAsyncSinkCloseFlushesInOrder(t *testing.T) {
	downstream := &recordSink{}
	sink := NewAsyncSink(downstream, 16)

	var want []string
	for i := 0; i < 5; i++ {
		ev := New(AgentStarted)
		ev.AgentID = fmt.Sprintf("agent-%d", i)
		want = append(want, ev.AgentID)
		sink.Emit(ev)
	}
	sink.Close()

	require.Equal(t, 0, sink.Dropped())
	downstream.mu.Lock()
	defer downstream.mu.Unlock()
	require.Len(t, downstream.got, 5)
	for i, ev := range downstream.got {
		require.Equal(t, want[i], ev.AgentID)
	}

	// A closed sink ignores further events.
	sink.Emit(New(AgentStopped))
	require.Len(t, downstream.got, 5)
}
