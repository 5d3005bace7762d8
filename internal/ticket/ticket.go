// Package ticket implements the ticket codec: encrypting a
// timestamped token list into a compact string that binds a decision to
// its token set for later complaint attribution.
//
// The wire format is "<unix-microseconds base32> <token>...
// [>recipient]", sealed with
// golang.org/x/crypto/nacl/secretbox (authenticated symmetric
// encryption) rather than a hand-rolled cipher, and framed URL-safe
// base64.
package ticket

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// TTL is the maximum ticket age accepted by Decode.
const TTL = 5 * 24 * time.Hour

// ErrExpired is returned by Decode when the ticket is older than TTL.
var ErrExpired = errors.New("TICKET EXPIRED")

// ErrMalformed is returned for a ticket that does not decrypt or does not
// parse as "<timestamp> <tokens...>".
var ErrMalformed = errors.New("malformed ticket")

// Claim is the decoded contents of a ticket.
type Claim struct {
	Timestamp time.Time
	// Micros is the raw monotonic microsecond value embedded in the
	// ticket, used as the ledger key (internal/ledger) since it is unique
	// by construction (see nextTimestamp).
	Micros    int64
	Tokens    []string
	Recipient string
}

// Codec seals/opens tickets with a process-wide symmetric key.
type Codec struct {
	key [32]byte

	mu       sync.Mutex
	lastTime int64 // last microsecond timestamp handed out, for monotonic bump
}

// NewCodec constructs a Codec from a 32-byte key (e.g. loaded from
// config). Returns an error if key is the wrong length.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, errors.New("ticket: key must be 32 bytes")
	}
	c := &Codec{}
	copy(c.key[:], key)
	return c, nil
}

// nextTimestamp returns a microsecond timestamp guaranteed to be strictly
// greater than the previous one handed out by this Codec, bumping forward
// on collision so ledger keys stay unique.
func (c *Codec) nextTimestamp(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	micros := now.UnixMicro()
	if micros <= c.lastTime {
		micros = c.lastTime + 1
	}
	c.lastTime = micros
	return micros
}

// Encode produces a ticket binding tokens (and an optional recipient tag)
// to the current time.
func (c *Codec) Encode(tokens []string, recipient string, now time.Time) (string, int64, error) {
	micros := c.nextTimestamp(now)

	var b strings.Builder
	b.WriteString(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(encodeInt64(micros)))
	for _, t := range tokens {
		b.WriteByte(' ')
		b.WriteString(t)
	}
	if recipient != "" {
		b.WriteByte(' ')
		b.WriteByte('>')
		b.WriteString(recipient)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", 0, err
	}

	sealed := secretbox.Seal(nonce[:], []byte(b.String()), &nonce, &c.key)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sealed), micros, nil
}

// Decode opens a ticket and validates its age against TTL.
func (c *Codec) Decode(ticket string, now time.Time) (Claim, error) {
	sealed, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(ticket)
	if err != nil {
		return Claim{}, ErrMalformed
	}
	if len(sealed) < 24 {
		return Claim{}, ErrMalformed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return Claim{}, ErrMalformed
	}

	fields := strings.Fields(string(plain))
	if len(fields) == 0 {
		return Claim{}, ErrMalformed
	}

	tsBytes, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(fields[0])
	if err != nil {
		return Claim{}, ErrMalformed
	}
	micros, err := decodeInt64(tsBytes)
	if err != nil {
		return Claim{}, ErrMalformed
	}

	ts := time.UnixMicro(micros)
	if now.Sub(ts) > TTL {
		return Claim{}, ErrExpired
	}

	claim := Claim{Timestamp: ts, Micros: micros}
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, ">") {
			claim.Recipient = strings.TrimPrefix(f, ">")
			continue
		}
		claim.Tokens = append(claim.Tokens, f)
	}
	return claim, nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.New("ticket: bad timestamp length")
	}
	var u uint64
	for _, x := range b {
		u = u<<8 | uint64(x)
	}
	return int64(u), nil
}

// ParseUnixMicros is a small helper used by the text protocol to render a
// ticket's embedded timestamp for diagnostics (CHECK verb).
func ParseUnixMicros(micros int64) string {
	return strconv.FormatInt(micros, 10)
}
