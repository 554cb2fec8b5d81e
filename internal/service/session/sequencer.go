package session

import (
	"sort"
	"time"

	"github.com/zhouzirui/pairchat/internal/model/chat"
)

// Range is an inclusive span of sequence numbers. To == 0 means open-ended.
type Range struct {
	From uint64
	To   uint64
}

// Contains reports whether seq lies in the range.
func (r Range) Contains(seq uint64) bool {
	return seq >= r.From && (r.To == 0 || seq <= r.To)
}

// Receipt describes what accepting one inbound message did.
type Receipt struct {
	// Delivered is the in-order run released to the application.
	Delivered []chat.Message
	// Duplicate is set when the message was already delivered or buffered.
	Duplicate bool
	// Gap is the missing span to request from the peer, if any.
	Gap *Range
	// Resync is set when the reorder window overflowed and was discarded.
	Resync bool
}

// Sequencer owns both sequence counters of a session: the local send counter
// with its unacknowledged log, and the remote expected counter with its
// reorder window. It is not safe for concurrent use.
type Sequencer struct {
	sessionID    string
	nextSend     uint64
	expected     uint64
	window       map[uint64]chat.Message
	windowLimit  int
	unacked      []chat.Message
	backlogLimit int
}

// NewSequencer creates counters starting at 1.
func NewSequencer(sessionID string, reorderWindow, backlogLimit int) *Sequencer {
	if reorderWindow < 1 {
		reorderWindow = 1
	}
	if backlogLimit < 1 {
		backlogLimit = 1
	}
	return &Sequencer{
		sessionID:    sessionID,
		nextSend:     1,
		expected:     1,
		window:       make(map[uint64]chat.Message),
		windowLimit:  reorderWindow,
		backlogLimit: backlogLimit,
	}
}

// Stamp wraps payload with the next local sequence number and commits it to
// the unacknowledged log. When the log is full the oldest entry is evicted and
// returned so the caller can surface BacklogOverflow.
func (s *Sequencer) Stamp(payload []byte, now time.Time) (chat.Message, *chat.Message) {
	msg := chat.Message{
		SessionID: s.sessionID,
		Seq:       s.nextSend,
		Payload:   payload,
		SentAt:    now,
	}
	s.nextSend++

	var evicted *chat.Message
	if len(s.unacked) >= s.backlogLimit {
		oldest := s.unacked[0]
		evicted = &oldest
		s.unacked = s.unacked[1:]
	}
	s.unacked = append(s.unacked, msg)
	return msg, evicted
}

// Ack drops every logged message with seq <= upTo and returns how many were removed.
func (s *Sequencer) Ack(upTo uint64) int {
	n := sort.Search(len(s.unacked), func(i int) bool { return s.unacked[i].Seq > upTo })
	if n == 0 {
		return 0
	}
	s.unacked = append(s.unacked[:0:0], s.unacked[n:]...)
	return n
}

// Unacked returns the logged messages awaiting acknowledgement, oldest first.
func (s *Sequencer) Unacked() []chat.Message {
	return append([]chat.Message(nil), s.unacked...)
}

// Retransmit returns the logged messages inside r, oldest first.
func (s *Sequencer) Retransmit(r Range) []chat.Message {
	var out []chat.Message
	for _, msg := range s.unacked {
		if r.Contains(msg.Seq) {
			out = append(out, msg)
		}
	}
	return out
}

// Accept applies one inbound message.
func (s *Sequencer) Accept(msg chat.Message) Receipt {
	switch {
	case msg.Seq < s.expected:
		return Receipt{Duplicate: true}

	case msg.Seq == s.expected:
		delivered := []chat.Message{msg}
		s.expected++
		for {
			next, ok := s.window[s.expected]
			if !ok {
				break
			}
			delete(s.window, s.expected)
			delivered = append(delivered, next)
			s.expected++
		}
		return Receipt{Delivered: delivered, Gap: s.gap()}

	default:
		if _, buffered := s.window[msg.Seq]; buffered {
			return Receipt{Duplicate: true}
		}
		if len(s.window) >= s.windowLimit {
			r := s.ForceResync()
			return Receipt{Resync: true, Gap: &r}
		}
		s.window[msg.Seq] = msg
		return Receipt{Gap: s.gap()}
	}
}

// ForceResync discards the reorder window and returns the replay request
// starting at the expected sequence number.
func (s *Sequencer) ForceResync() Range {
	clear(s.window)
	return Range{From: s.expected}
}

// gap returns the first missing span below the lowest buffered message.
func (s *Sequencer) gap() *Range {
	if len(s.window) == 0 {
		return nil
	}
	lowest := uint64(0)
	for seq := range s.window {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return &Range{From: s.expected, To: lowest - 1}
}

// Expected is the next remote sequence number the application has not seen.
func (s *Sequencer) Expected() uint64 { return s.expected }

// LastDelivered is the cumulative acknowledgement to report to the peer.
func (s *Sequencer) LastDelivered() uint64 { return s.expected - 1 }

// NextSend is the sequence number the next Stamp will use.
func (s *Sequencer) NextSend() uint64 { return s.nextSend }

// Buffered counts messages held in the reorder window.
func (s *Sequencer) Buffered() int { return len(s.window) }

// Pending counts unacknowledged sends.
func (s *Sequencer) Pending() int { return len(s.unacked) }
