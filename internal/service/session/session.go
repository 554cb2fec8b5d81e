package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/pairchat/internal/model/chat"
	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
	"github.com/zhouzirui/pairchat/internal/transport"
)

// Role tells which side of the pairing a session is.
type Role int

const (
	RoleIssuer Role = iota
	RoleClaimant
)

func (r Role) String() string {
	if r == RoleIssuer {
		return "issuer"
	}
	return "claimant"
}

var (
	// ErrPeerClosed is the reason attached to Closed when the peer sent CLOSE.
	ErrPeerClosed = errors.New("peer closed the session")
	// ErrGraceExpired is the reason attached to Closed when no resume happened in time.
	ErrGraceExpired = errors.New("reconnect grace period elapsed")
	// ErrIdle is the reason attached to Suspended when the idle timeout fired.
	ErrIdle = errors.New("session idle")
	// ErrLifetimeElapsed is the reason attached to Closed when the session deadline passed.
	ErrLifetimeElapsed = protoerr.New(protoerr.KindExpiredToken, "session lifetime elapsed")
)

const closeFrameTimeout = 500 * time.Millisecond

type dialResult struct {
	channel transport.Channel
	err     error
}

// Session is one paired conversation. All protocol state is owned by a single
// goroutine; exported methods hand work to it and never touch state directly.
type Session struct {
	id        string
	role      Role
	cfg       Config
	token     pairing.Token
	dialer    transport.Dialer
	logger    zerolog.Logger
	createdAt time.Time
	onClosed  func(*Session)

	ctx      context.Context
	cancel   context.CancelFunc
	cmds     chan func()
	events   *eventQueue
	done     chan struct{}
	activeCh chan struct{}
	dialed   chan dialResult
	failures chan sendFailure
	epoch    atomic.Uint64

	mu       sync.Mutex
	final    chat.Session
	closeErr error

	// Owned by the loop goroutine.
	machine      *Machine
	seq          *Sequencer
	local        pairing.Identity
	peer         pairing.Identity
	channel      transport.Channel
	writer       *writer
	helloSent    bool
	linkUp       bool
	everActive   bool
	lastActivity time.Time
	deadline     time.Time
	lastNack     *Range
	handshakeT   *time.Timer
	graceT       *time.Timer
	idleT        *time.Timer
	ttlT         *time.Timer
	gapT         *time.Timer
}

func newSession(role Role, tok pairing.Token, local, expectedPeer pairing.Identity, cfg Config, dialer transport.Dialer, logger zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := tok.SessionID()
	now := time.Now()
	return &Session{
		id:           id,
		role:         role,
		cfg:          cfg,
		token:        tok,
		dialer:       dialer,
		logger:       logger.With().Str("component", "session").Str("session", tok.ID.Short()).Str("role", role.String()).Logger(),
		createdAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		cmds:         make(chan func()),
		events:       newEventQueue(cfg.EventBuffer, cfg.EventLinger),
		done:         make(chan struct{}),
		activeCh:     make(chan struct{}),
		dialed:       make(chan dialResult, 1),
		failures:     make(chan sendFailure, cfg.BacklogLimit),
		machine:      NewMachine(),
		seq:          NewSequencer(id, cfg.ReorderWindow, cfg.BacklogLimit),
		local:        local,
		peer:         expectedPeer,
		lastActivity: now,
	}
}

// ID returns the session id shared by both peers.
func (s *Session) ID() string { return s.id }

// Role returns which side of the pairing this session is.
func (s *Session) Role() Role { return s.role }

// Events returns the ordered event stream. It is closed after the Closed
// transition has been delivered. Consumers must keep draining it: events not
// read within EventLinger of Closed are dropped.
func (s *Session) Events() <-chan Event { return s.events.out }

// Done is closed when the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session closed, or nil for a local close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// start enters Connecting and begins dialing the peer's endpoint.
func (s *Session) start() {
	s.transition(Connecting, nil)

	wait := s.cfg.HandshakeTimeout
	if s.role == RoleIssuer {
		// The issuer waits for a scan for as long as the token is valid.
		wait = time.Until(s.token.ExpiresAt)
	}
	s.handshakeT = time.NewTimer(max(wait, 0))

	target := transport.Target{Endpoint: s.token.IssuerEndpoint, SessionID: s.id, Peer: s.local}
	go func() {
		ch, err := s.dialer.Dial(s.ctx, target)
		if err == nil && s.ctx.Err() != nil {
			// Closed while dialing.
			_ = ch.Close()
			return
		}
		s.dialed <- dialResult{channel: ch, err: err}
	}()
	go s.run()
}

// SendMessage hands payload to the sequencer without waiting for the network.
// While Suspended the message is committed to the replay log and returned
// together with an error matching ErrSessionNotActive; in any other
// non-Active state it is rejected.
func (s *Session) SendMessage(payload []byte) (chat.Message, error) {
	var (
		msg chat.Message
		err error
	)
	if doErr := s.do(func() { msg, err = s.handleSend(payload) }); doErr != nil {
		return chat.Message{}, doErr
	}
	return msg, err
}

// Close ends the session, notifies the peer when possible and unblocks every
// pending wait. It is idempotent.
func (s *Session) Close() error {
	_ = s.do(func() { s.closeWith(nil, true) })
	<-s.done
	return nil
}

// Extend pushes the session deadline to now+d on both sides via KEEPALIVE.
func (s *Session) Extend(d time.Duration) (time.Time, error) {
	var (
		deadline time.Time
		err      error
	)
	if doErr := s.do(func() { deadline, err = s.handleExtend(d) }); doErr != nil {
		return time.Time{}, doErr
	}
	return deadline, err
}

// WaitActive blocks until the session first becomes Active, closes, or ctx ends.
func (s *Session) WaitActive(ctx context.Context) error {
	select {
	case <-s.activeCh:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return protoerr.New(protoerr.KindSessionNotActive, "session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() chat.Session {
	var snap chat.Session
	if err := s.do(func() { snap = s.snapshot() }); err != nil {
		s.mu.Lock()
		snap = s.final
		s.mu.Unlock()
	}
	return snap
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	state := Closed
	_ = s.do(func() { state = s.machine.State() })
	return state
}

func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
		<-ran
		return nil
	case <-s.done:
		return protoerr.New(protoerr.KindSessionNotActive, "session closed")
	}
}

func (s *Session) run() {
	defer close(s.done)

	var events <-chan transport.Event
	for !s.machine.Terminal() {
		select {
		case fn := <-s.cmds:
			fn()

		case res := <-s.dialed:
			if res.err != nil {
				s.emitError(protoerr.KindTransport, protoerr.Wrap(protoerr.KindTransport, "connect to "+s.token.IssuerEndpoint, res.err), 0)
				s.closeWith(protoerr.Wrap(protoerr.KindTransport, "connect", res.err), false)
				continue
			}
			s.attach(res.channel)
			events = res.channel.Events()

		case ev, ok := <-events:
			if !ok {
				events = nil
				s.onDisconnect(protoerr.New(protoerr.KindTransport, "transport gave up reconnecting"))
				continue
			}
			s.onTransport(ev)

		case f := <-s.failures:
			s.emitError(protoerr.KindSendFailed, protoerr.Wrap(protoerr.KindSendFailed, fmt.Sprintf("frame seq=%d", f.seq), f.err), f.seq)

		case <-timerC(s.handshakeT):
			s.handshakeT = nil
			s.emitError(protoerr.KindHandshakeTimeout, protoerr.ErrHandshakeTimeout, 0)
			s.closeWith(protoerr.ErrHandshakeTimeout, true)

		case <-timerC(s.graceT):
			s.graceT = nil
			s.closeWith(ErrGraceExpired, false)

		case <-timerC(s.idleT):
			s.idleT = nil
			s.onIdle()

		case <-timerC(s.ttlT):
			s.ttlT = nil
			s.closeWith(ErrLifetimeElapsed, true)

		case <-timerC(s.gapT):
			s.gapT = nil
			s.onGapTimeout()
		}
	}
}

func (s *Session) attach(ch transport.Channel) {
	s.channel = ch
	s.linkUp = true
	s.writer = newWriter(ch, s.cfg, &s.epoch, s.failures, s.logger)
	go s.writer.run(s.ctx)
	s.logger.Debug().Str("endpoint", s.token.IssuerEndpoint).Msg("transport connected")
	s.sendHello(false)
}

func (s *Session) onTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessage:
		f, err := decodeFrame(ev.Data)
		if err != nil {
			s.emitError(protoerr.KindProtocol, err, 0)
			return
		}
		if f.SessionID != s.id {
			s.emitError(protoerr.KindProtocol, protoerr.Newf(protoerr.KindProtocol, "frame for session %q", f.SessionID), 0)
			return
		}
		s.onFrame(f)
	case transport.EventDisconnect:
		s.onDisconnect(ev.Reason)
	case transport.EventReconnect:
		s.linkUp = true
		s.logger.Info().Msg("transport reconnected")
		if state := s.machine.State(); state == Suspended || state == Connecting {
			s.sendHello(false)
		}
	}
}

func (s *Session) onDisconnect(reason error) {
	s.linkUp = false
	s.epoch.Add(1)
	s.logger.Warn().Err(reason).Msg("transport disconnected")
	if s.machine.State() == Active {
		s.suspend(reason)
	}
}

func (s *Session) onFrame(f Frame) {
	if f.From != "" && f.From == s.local {
		return
	}
	s.touch()

	switch f.Type {
	case FrameHello:
		s.onHello(f)
	case FrameData:
		if s.machine.State() == Active {
			s.onData(f)
		}
	case FrameAck:
		s.seq.Ack(f.Ack)
	case FrameNack:
		s.retransmit(Range{From: f.RangeFrom, To: f.RangeTo})
	case FrameKeepalive:
		if s.machine.State() == Active && f.ExpiresAt > 0 {
			if at := time.UnixMilli(f.ExpiresAt); at.After(s.deadline) {
				s.setDeadline(at)
			}
		}
	case FrameClose:
		s.closeWith(ErrPeerClosed, false)
	}
}

func (s *Session) onHello(f Frame) {
	if f.From == "" {
		s.emitError(protoerr.KindProtocol, protoerr.New(protoerr.KindProtocol, "hello without identity"), 0)
		return
	}
	if s.peer != "" && f.From != s.peer {
		s.emitError(protoerr.KindProtocol, protoerr.New(protoerr.KindProtocol, "hello from unexpected peer"), 0)
		return
	}
	s.peer = f.From
	s.linkUp = true
	if !f.Reply {
		s.sendHello(true)
	}
	s.seq.Ack(f.Ack)

	switch s.machine.State() {
	case Connecting:
		if s.helloSent {
			s.activate()
		}
	case Suspended:
		s.activate()
		s.replay()
	case Active:
		if !f.Reply {
			// The peer re-established its link without us noticing a drop.
			s.replay()
		}
	}
}

func (s *Session) onData(f Frame) {
	receipt := s.seq.Accept(f.message())
	for _, m := range receipt.Delivered {
		s.events.push(MessageReceived{SessionID: s.id, Seq: m.Seq, Payload: m.Payload, SentAt: m.SentAt})
	}
	if len(receipt.Delivered) > 0 {
		s.enqueue(Frame{Type: FrameAck, SessionID: s.id, From: s.local, Ack: s.seq.LastDelivered()}, 0)
	}

	switch {
	case receipt.Resync:
		s.emitError(protoerr.KindSequenceResync, protoerr.Newf(protoerr.KindSequenceResync, "reorder window overflow, replay from %d", receipt.Gap.From), 0)
		s.requestRange(*receipt.Gap)
		s.stopTimer(&s.gapT)
	case receipt.Gap != nil:
		if s.lastNack == nil || *s.lastNack != *receipt.Gap {
			s.requestRange(*receipt.Gap)
		}
		if s.gapT == nil {
			s.gapT = time.NewTimer(s.cfg.GapTimeout)
		}
	case s.seq.Buffered() == 0:
		s.lastNack = nil
		s.stopTimer(&s.gapT)
	}
}

func (s *Session) onGapTimeout() {
	if s.seq.Buffered() == 0 || s.machine.State() != Active {
		return
	}
	r := s.seq.ForceResync()
	s.emitError(protoerr.KindSequenceResync, protoerr.Newf(protoerr.KindSequenceResync, "gap not filled in %s, replay from %d", s.cfg.GapTimeout, r.From), 0)
	s.requestRange(r)
}

func (s *Session) onIdle() {
	if s.machine.State() != Active {
		return
	}
	s.suspend(ErrIdle)
	if s.linkUp {
		// Probe: a live peer answers and the session resumes.
		s.sendHello(false)
	}
}

func (s *Session) handleSend(payload []byte) (chat.Message, error) {
	if len(payload) > s.cfg.MaxPayload {
		return chat.Message{}, protoerr.Newf(protoerr.KindPayloadTooLarge, "payload is %d bytes, limit %d", len(payload), s.cfg.MaxPayload)
	}

	state := s.machine.State()
	if state != Active && state != Suspended {
		return chat.Message{}, protoerr.Newf(protoerr.KindSessionNotActive, "session is %s", state)
	}

	msg, evicted := s.seq.Stamp(append([]byte(nil), payload...), time.Now().UTC())
	if evicted != nil {
		s.emitError(protoerr.KindBacklogOverflow, protoerr.Newf(protoerr.KindBacklogOverflow, "dropped unacknowledged seq=%d", evicted.Seq), evicted.Seq)
	}

	if state == Suspended {
		return msg, fmt.Errorf("%w: seq=%d queued for replay", protoerr.ErrSessionNotActive, msg.Seq)
	}
	s.touch()
	s.enqueue(dataFrame(s.local, msg), msg.Seq)
	return msg, nil
}

func (s *Session) handleExtend(d time.Duration) (time.Time, error) {
	if s.machine.State() != Active {
		return time.Time{}, protoerr.Newf(protoerr.KindSessionNotActive, "session is %s", s.machine.State())
	}
	if d <= 0 {
		return s.deadline, fmt.Errorf("extend by %s: duration must be positive", d)
	}
	at := time.Now().Add(d)
	if at.After(s.deadline) {
		s.setDeadline(at)
	}
	s.enqueue(Frame{Type: FrameKeepalive, SessionID: s.id, From: s.local, ExpiresAt: s.deadline.UnixMilli()}, 0)
	return s.deadline, nil
}

func (s *Session) activate() {
	s.transition(Active, nil)
	s.stopTimer(&s.handshakeT)
	s.stopTimer(&s.graceT)
	s.resetTimer(&s.idleT, s.cfg.IdleTimeout)

	if !s.everActive {
		s.everActive = true
		s.setDeadline(time.Now().Add(s.token.Validity()))
		close(s.activeCh)
	}
}

func (s *Session) suspend(reason error) {
	s.transition(Suspended, reason)
	s.stopTimer(&s.idleT)
	s.stopTimer(&s.gapT)
	s.lastNack = nil
	s.graceT = time.NewTimer(s.cfg.GracePeriod)
}

func (s *Session) closeWith(reason error, notifyPeer bool) {
	if s.machine.Terminal() {
		return
	}
	if notifyPeer && s.linkUp && s.channel != nil {
		if data, err := encodeFrame(Frame{Type: FrameClose, SessionID: s.id, From: s.local}); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeFrameTimeout)
			if err := s.channel.Send(ctx, data); err != nil {
				s.logger.Debug().Err(err).Msg("close frame not delivered")
			}
			cancel()
		}
	}

	for _, t := range []**time.Timer{&s.handshakeT, &s.graceT, &s.idleT, &s.ttlT, &s.gapT} {
		s.stopTimer(t)
	}
	s.cancel()
	if s.channel != nil {
		_ = s.channel.Close()
	}

	s.transition(Closed, reason)
	snap := s.snapshot()
	s.mu.Lock()
	s.final = snap
	s.closeErr = reason
	s.mu.Unlock()

	// Closed releases the identity and the channel.
	s.local, s.peer, s.channel, s.writer = "", "", nil, nil
	s.events.close()
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func (s *Session) transition(next State, reason error) {
	prev, err := s.machine.Transition(next)
	if err != nil {
		s.logger.Error().Err(err).Msg("state transition rejected")
		return
	}
	log := s.logger.Info().Str("from", prev.String()).Str("to", next.String())
	if reason != nil {
		log = log.AnErr("reason", reason)
	}
	log.Msg("session state changed")
	s.events.push(StateChanged{SessionID: s.id, Old: prev, New: next, Reason: reason, At: time.Now()})
}

func (s *Session) sendHello(reply bool) {
	s.enqueue(Frame{
		Type:      FrameHello,
		SessionID: s.id,
		From:      s.local,
		Ack:       s.seq.LastDelivered(),
		Reply:     reply,
	}, 0)
	s.helloSent = true
}

func (s *Session) replay() {
	for _, m := range s.seq.Unacked() {
		s.enqueue(dataFrame(s.local, m), m.Seq)
	}
}

func (s *Session) retransmit(r Range) {
	for _, m := range s.seq.Retransmit(r) {
		s.enqueue(dataFrame(s.local, m), m.Seq)
	}
}

func (s *Session) requestRange(r Range) {
	s.lastNack = &r
	s.enqueue(Frame{Type: FrameNack, SessionID: s.id, From: s.local, RangeFrom: r.From, RangeTo: r.To}, 0)
}

func (s *Session) enqueue(f Frame, seq uint64) {
	if s.writer == nil {
		return
	}
	data, err := encodeFrame(f)
	if err != nil {
		s.emitError(protoerr.KindProtocol, err, seq)
		return
	}
	if !s.writer.offer(outbound{data: data, seq: seq, epoch: s.epoch.Load()}) {
		s.emitError(protoerr.KindSendFailed, protoerr.Newf(protoerr.KindSendFailed, "write queue full, seq=%d", seq), seq)
	}
}

func (s *Session) emitError(kind protoerr.Kind, err error, seq uint64) {
	s.logger.Warn().Err(err).Str("kind", string(kind)).Uint64("seq", seq).Msg("session error")
	s.events.push(Error{SessionID: s.id, Kind: kind, Err: err, Seq: seq})
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
	if s.machine.State() == Active {
		s.resetTimer(&s.idleT, s.cfg.IdleTimeout)
	}
}

func (s *Session) setDeadline(at time.Time) {
	s.deadline = at
	s.resetTimer(&s.ttlT, time.Until(at))
}

func (s *Session) snapshot() chat.Session {
	snap := chat.Session{
		ID:             s.id,
		State:          s.machine.State().String(),
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		ExpiresAt:      s.deadline,
		SendSeq:        s.seq.NextSend() - 1,
		RecvExpected:   s.seq.Expected(),
		Unacked:        s.seq.Pending(),
		Buffered:       s.seq.Buffered(),
	}
	// Participant A is always the issuer.
	if s.role == RoleIssuer {
		snap.ParticipantA, snap.ParticipantB = string(s.local), string(s.peer)
	} else {
		snap.ParticipantA, snap.ParticipantB = string(s.peer), string(s.local)
	}
	return snap
}

func (s *Session) resetTimer(t **time.Timer, d time.Duration) {
	d = max(d, 0)
	if *t == nil {
		*t = time.NewTimer(d)
		return
	}
	(*t).Reset(d)
}

func (s *Session) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
