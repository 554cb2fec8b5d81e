package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zhouzirui/pairchat/internal/protoerr"
	"github.com/zhouzirui/pairchat/internal/service/session"
)

const defaultExtend = 5 * time.Minute

// runChat sends every input line as a message and prints session events until
// the session closes. "/quit" or EOF closes it locally.
func runChat(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-s.Done():
				return
			}
		}
	}()

	done := ctx.Done()
	events := s.Events()
	for {
		select {
		case <-done:
			done = nil
			_ = s.Close()

		case ev, ok := <-events:
			if !ok {
				err := s.Err()
				if errors.Is(err, session.ErrPeerClosed) {
					return nil
				}
				return err
			}
			printEvent(out, ev)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				_ = s.Close()
				continue
			}
			if quit := handleLine(s, strings.TrimSpace(line), out); quit {
				lines = nil
				_ = s.Close()
			}
		}
	}
}

func handleLine(s *session.Session, line string, out io.Writer) bool {
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/status":
		snap := s.Snapshot()
		fmt.Fprintf(out, "* %s sent=%d next=%d unacked=%d buffered=%d expires=%s\n",
			snap.State, snap.SendSeq, snap.RecvExpected, snap.Unacked, snap.Buffered, formatTime(snap.ExpiresAt))
		return false
	case strings.HasPrefix(line, "/extend"):
		d := defaultExtend
		if arg := strings.TrimSpace(strings.TrimPrefix(line, "/extend")); arg != "" {
			parsed, err := time.ParseDuration(arg)
			if err != nil {
				fmt.Fprintf(out, "! invalid duration %q\n", arg)
				return false
			}
			d = parsed
		}
		deadline, err := s.Extend(d)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			return false
		}
		fmt.Fprintf(out, "* session extended until %s\n", formatTime(deadline))
		return false
	}

	msg, err := s.SendMessage([]byte(line))
	switch {
	case err == nil:
	case errors.Is(err, protoerr.ErrSessionNotActive) && msg.Seq != 0:
		fmt.Fprintf(out, "* #%d queued until the peer is back\n", msg.Seq)
	default:
		fmt.Fprintf(out, "! %v\n", err)
	}
	return false
}

func printEvent(out io.Writer, ev session.Event) {
	switch e := ev.(type) {
	case session.MessageReceived:
		fmt.Fprintf(out, "peer> %s\n", e.Payload)
	case session.StateChanged:
		if e.Reason != nil {
			fmt.Fprintf(out, "* %s -> %s (%v)\n", e.Old, e.New, e.Reason)
			return
		}
		fmt.Fprintf(out, "* %s -> %s\n", e.Old, e.New)
	case session.Error:
		if e.Seq != 0 {
			fmt.Fprintf(out, "! %s #%d: %v\n", e.Kind, e.Seq, e.Err)
			return
		}
		fmt.Fprintf(out, "! %s: %v\n", e.Kind, e.Err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.TimeOnly)
}
