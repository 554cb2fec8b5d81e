package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zhouzirui/pairchat/internal/model/chat"
	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
)

// FrameType names a protocol frame.
type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameData      FrameType = "data"
	FrameAck       FrameType = "ack"
	FrameNack      FrameType = "nack"
	FrameKeepalive FrameType = "keepalive"
	FrameClose     FrameType = "close"
)

// Frame is the JSON envelope exchanged over the transport.
type Frame struct {
	Type      FrameType        `json:"type"`
	SessionID string           `json:"sessionId"`
	From      pairing.Identity `json:"from,omitempty"`
	Seq       uint64           `json:"seq,omitempty"`
	// Ack is the sender's cumulative delivered sequence number.
	Ack uint64 `json:"ack,omitempty"`
	// RangeFrom/RangeTo carry a nack span; RangeTo == 0 replays everything from RangeFrom.
	RangeFrom uint64 `json:"rangeFrom,omitempty"`
	RangeTo   uint64 `json:"rangeTo,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	SentAt    int64  `json:"sentAt,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	// Reply marks a HELLO sent in answer to the peer's HELLO.
	Reply  bool   `json:"reply,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func encodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, protoerr.Wrap(protoerr.KindProtocol, "decode frame", err)
	}
	switch f.Type {
	case FrameHello, FrameData, FrameAck, FrameNack, FrameKeepalive, FrameClose:
	default:
		return Frame{}, protoerr.Newf(protoerr.KindProtocol, "unsupported frame type %q", f.Type)
	}
	if f.Type == FrameData && f.Seq == 0 {
		return Frame{}, protoerr.New(protoerr.KindProtocol, "data frame without seq")
	}
	return f, nil
}

func dataFrame(from pairing.Identity, m chat.Message) Frame {
	return Frame{
		Type:      FrameData,
		SessionID: m.SessionID,
		From:      from,
		Seq:       m.Seq,
		Payload:   m.Payload,
		SentAt:    m.SentAt.UnixMilli(),
	}
}

func (f Frame) message() chat.Message {
	return chat.Message{
		SessionID: f.SessionID,
		Seq:       f.Seq,
		Payload:   f.Payload,
		SentAt:    time.UnixMilli(f.SentAt).UTC(),
	}
}
