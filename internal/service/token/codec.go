// Package token issues pairing tokens and converts them to and from their
// canonical binary form, the payload rendered into a QR code.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
)

// Version is the only binary layout this codec reads and writes.
const Version uint8 = 1

const (
	// MaxEndpointLen bounds the issuer hint so the text form stays scannable.
	MaxEndpointLen = 1024

	offID        = 1
	offIssuedAt  = offID + pairing.TokenIDSize
	offExpiresAt = offIssuedAt + 8
	offHintLen   = offExpiresAt + 8
	offHint      = offHintLen + 2
	checksumLen  = 4

	// MinEncodedLen is the size of a token with an empty issuer hint.
	MinEncodedLen = offHint + checksumLen
)

// Codec issues tokens against a clock and an entropy source.
type Codec struct {
	// Endpoint is stamped into issued tokens as the transport address hint.
	Endpoint string
	Now      func() time.Time
	Rand     io.Reader
}

// New returns a codec using the wall clock and crypto/rand.
func New(endpoint string) *Codec {
	return &Codec{Endpoint: endpoint, Now: time.Now, Rand: rand.Reader}
}

// Issue creates a token valid for the given window starting now.
func (c *Codec) Issue(validity time.Duration) (pairing.Token, error) {
	if validity <= 0 {
		return pairing.Token{}, fmt.Errorf("issue token: validity must be positive, got %s", validity)
	}
	if len(c.Endpoint) > MaxEndpointLen {
		return pairing.Token{}, fmt.Errorf("issue token: endpoint hint longer than %d bytes", MaxEndpointLen)
	}

	var id pairing.TokenID
	if _, err := io.ReadFull(c.rand(), id[:]); err != nil {
		return pairing.Token{}, fmt.Errorf("issue token: read entropy: %w", err)
	}

	issued := toMillis(c.now())
	return pairing.Token{
		ID:             id,
		IssuedAt:       issued,
		ExpiresAt:      toMillis(issued.Add(validity)),
		IssuerEndpoint: c.Endpoint,
	}, nil
}

// Decode parses data and rejects tokens already expired on this codec's clock.
func (c *Codec) Decode(data []byte) (pairing.Token, error) {
	return Decode(data, c.now())
}

// DecodeText parses the text form on this codec's clock.
func (c *Codec) DecodeText(text string) (pairing.Token, error) {
	return DecodeText(text, c.now())
}

func (c *Codec) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Codec) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

// Encode serializes tok into the fixed big-endian layout:
//
//	version u8 | id [16] | issuedAt i64 ms | expiresAt i64 ms | hintLen u16 | hint | crc32 u32
func Encode(tok pairing.Token) ([]byte, error) {
	if len(tok.IssuerEndpoint) > MaxEndpointLen {
		return nil, fmt.Errorf("encode token: endpoint hint longer than %d bytes", MaxEndpointLen)
	}

	buf := make([]byte, MinEncodedLen+len(tok.IssuerEndpoint))
	buf[0] = Version
	copy(buf[offID:offIssuedAt], tok.ID[:])
	binary.BigEndian.PutUint64(buf[offIssuedAt:offExpiresAt], uint64(tok.IssuedAt.UnixMilli()))
	binary.BigEndian.PutUint64(buf[offExpiresAt:offHintLen], uint64(tok.ExpiresAt.UnixMilli()))
	binary.BigEndian.PutUint16(buf[offHintLen:offHint], uint16(len(tok.IssuerEndpoint)))
	copy(buf[offHint:], tok.IssuerEndpoint)

	sumAt := len(buf) - checksumLen
	binary.BigEndian.PutUint32(buf[sumAt:], crc32.ChecksumIEEE(buf[:sumAt]))
	return buf, nil
}

// Decode parses the binary form. It fails with MalformedToken on a bad layout,
// version or checksum, and with ExpiredToken when expiresAt is not after now.
func Decode(data []byte, now time.Time) (pairing.Token, error) {
	if len(data) < MinEncodedLen {
		return pairing.Token{}, protoerr.Newf(protoerr.KindMalformedToken, "token is %d bytes, need at least %d", len(data), MinEncodedLen)
	}
	if data[0] != Version {
		return pairing.Token{}, protoerr.Newf(protoerr.KindMalformedToken, "unsupported token version %d", data[0])
	}

	sumAt := len(data) - checksumLen
	if crc32.ChecksumIEEE(data[:sumAt]) != binary.BigEndian.Uint32(data[sumAt:]) {
		return pairing.Token{}, protoerr.New(protoerr.KindMalformedToken, "token checksum mismatch")
	}

	hintLen := int(binary.BigEndian.Uint16(data[offHintLen:offHint]))
	if offHint+hintLen != sumAt {
		return pairing.Token{}, protoerr.Newf(protoerr.KindMalformedToken, "endpoint hint length %d does not match token size", hintLen)
	}

	var tok pairing.Token
	copy(tok.ID[:], data[offID:offIssuedAt])
	tok.IssuedAt = time.UnixMilli(int64(binary.BigEndian.Uint64(data[offIssuedAt:offExpiresAt]))).UTC()
	tok.ExpiresAt = time.UnixMilli(int64(binary.BigEndian.Uint64(data[offExpiresAt:offHintLen]))).UTC()
	tok.IssuerEndpoint = string(data[offHint:sumAt])

	if !tok.ExpiresAt.After(tok.IssuedAt) {
		return pairing.Token{}, protoerr.New(protoerr.KindMalformedToken, "token expires before it was issued")
	}
	if tok.ExpiredAt(now) {
		return pairing.Token{}, protoerr.Newf(protoerr.KindExpiredToken, "token %s expired at %s", tok.ID.Short(), tok.ExpiresAt.Format(time.RFC3339))
	}
	return tok, nil
}

// EncodeText returns the unpadded base64url form carried by QR codes.
func EncodeText(tok pairing.Token) (string, error) {
	raw, err := Encode(tok)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeText parses the form produced by EncodeText.
func DecodeText(text string, now time.Time) (pairing.Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return pairing.Token{}, protoerr.Wrap(protoerr.KindMalformedToken, "token text is not base64url", err)
	}
	return Decode(raw, now)
}

func toMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
