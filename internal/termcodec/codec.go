// Package termcodec turns the raw byte stream of a remote channel into text.
//
// Remote output arrives in arbitrary chunks, so a multi-byte character can be
// split across two writes. The codec holds undecodable trailing bytes over to
// the next write instead of emitting them broken, substitutes U+FFFD for
// permanently malformed sequences, and keeps a bounded history of decoded
// text for replaying to clients that attach late.
package termcodec

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultHistoryLimit bounds the replay history (~100 KB).
const DefaultHistoryLimit = 100 * 1024

// Codec is an incremental byte-to-text decoder with replay history. It is
// safe for a single writer concurrent with any number of History readers.
type Codec struct {
	mu      sync.Mutex
	carry   []byte
	history []byte
	limit   int
}

func New(limit int) *Codec {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Codec{limit: limit}
}

// Write decodes p (plus any carried-over bytes from the previous write),
// appends the decoded text to the history, and returns it for live fan-out.
func (c *Codec) Write(p []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := p
	if len(c.carry) > 0 {
		buf = append(c.carry, p...)
		c.carry = nil
	}

	keep := incompleteTail(buf)
	if keep > 0 {
		c.carry = append([]byte(nil), buf[len(buf)-keep:]...)
		buf = buf[:len(buf)-keep]
	}

	decoded := decodeReplacing(buf)
	if decoded == "" {
		return ""
	}

	c.history = append(c.history, decoded...)
	if len(c.history) > c.limit {
		cut := len(c.history) - c.limit
		// Advance to the next rune boundary so the history never starts
		// mid-character.
		for cut < len(c.history) && !utf8.RuneStart(c.history[cut]) {
			cut++
		}
		c.history = append([]byte(nil), c.history[cut:]...)
	}
	return decoded
}

// History returns the buffered decoded text.
func (c *Codec) History() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.history)
}

// incompleteTail returns how many trailing bytes of b form the beginning of
// a multi-byte rune whose remaining bytes have not arrived yet. Invalid
// sequences return 0 so they are decoded (and replaced) immediately.
func incompleteTail(b []byte) int {
	n := len(b)
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		c := b[n-i]
		if c < 0x80 {
			return 0 // ASCII, nothing pending
		}
		if c >= 0xC0 {
			// Start byte: pending only if the full rune extends past the end.
			if want := runeLen(c); want > i {
				return i
			}
			return 0
		}
		// Continuation byte, keep scanning backwards.
	}
	return 0
}

func runeLen(start byte) int {
	switch {
	case start&0xE0 == 0xC0:
		return 2
	case start&0xF0 == 0xE0:
		return 3
	case start&0xF8 == 0xF0:
		return 4
	default:
		return 1 // invalid start byte
	}
}

// decodeReplacing decodes b, substituting U+FFFD for each malformed byte.
func decodeReplacing(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}
