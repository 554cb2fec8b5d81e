package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueKeepsOrderPastBuffer(t *testing.T) {
	q := newEventQueue(1, time.Minute)
	for i := uint64(1); i <= 100; i++ {
		q.push(MessageReceived{SessionID: "s", Seq: i})
	}
	q.close()
	q.push(MessageReceived{SessionID: "s", Seq: 101})

	var got []uint64
	for ev := range q.out {
		got = append(got, ev.(MessageReceived).Seq)
	}
	require.Len(t, got, 100)
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestEventQueueCloseWithoutEvents(t *testing.T) {
	q := newEventQueue(4, time.Minute)
	q.close()
	select {
	case _, ok := <-q.out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("queue output not closed")
	}
}

func TestEventQueueDropsUndrainedEventsAfterLinger(t *testing.T) {
	q := newEventQueue(1, 20*time.Millisecond)
	for i := uint64(1); i <= 10; i++ {
		q.push(MessageReceived{SessionID: "s", Seq: i})
	}
	q.close()
	q.close()

	// Nobody reads until the linger has passed.
	time.Sleep(100 * time.Millisecond)

	var got []uint64
	deadline := time.After(time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-q.out:
			if !ok {
				done = true
				continue
			}
			got = append(got, ev.(MessageReceived).Seq)
		case <-deadline:
			t.Fatal("queue output not closed after linger")
		}
	}
	assert.Less(t, len(got), 10)
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}
