// Package tid implements timestamp identifiers: 13-character,
// lexicographically sortable revision strings.
package tid

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrInvalid is returned when parsing a malformed TID.
var ErrInvalid = errors.New("invalid tid")

const (
	alphabet = "234567abcdefghijklmnopqrstuvwxyz"
	// Length is the number of characters in a TID.
	Length = 13

	clockIDBits = 10
	maxClockID  = 1<<clockIDBits - 1
	maxMicros   = 1<<53 - 1
)

// TID is a timestamp identifier. Comparing TIDs as strings orders them
// by time, then clock identifier.
type TID string

// New builds the TID for a point in time and a clock identifier.
func New(t time.Time, clockID uint) TID {
	return fromInt(uint64(t.UnixMicro())&maxMicros<<clockIDBits | uint64(clockID&maxClockID))
}

func fromInt(v uint64) TID {
	var buf [Length]byte
	for i := Length - 1; i >= 0; i-- {
		buf[i] = alphabet[v&31]
		v >>= 5
	}
	return TID(buf[:])
}

// Parse validates s as a TID.
func Parse(s string) (TID, error) {
	if len(s) != Length {
		return "", fmt.Errorf("%w: %q has %d characters", ErrInvalid, s, len(s))
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return "", fmt.Errorf("%w: %q has disallowed character %q", ErrInvalid, s, s[i])
		}
	}
	// The top bit is always zero.
	if strings.IndexByte(alphabet, s[0]) >= 16 {
		return "", fmt.Errorf("%w: %q is out of range", ErrInvalid, s)
	}
	return TID(s), nil
}

func (t TID) int() uint64 {
	var v uint64
	for i := 0; i < len(t); i++ {
		v = v<<5 | uint64(strings.IndexByte(alphabet, t[i]))
	}
	return v
}

// Time returns the timestamp encoded in t.
func (t TID) Time() time.Time {
	return time.UnixMicro(int64(t.int() >> clockIDBits))
}

// ClockID returns the clock identifier encoded in t.
func (t TID) ClockID() uint {
	return uint(t.int() & maxClockID)
}

func (t TID) String() string { return string(t) }

// Compare returns -1, 0 or 1 as a sorts before, equal to or after b.
func Compare(a, b TID) int {
	return strings.Compare(string(a), string(b))
}

// Clock hands out strictly increasing TIDs, even when the wall clock
// stalls or steps backwards.
type Clock struct {
	mu      sync.Mutex
	clockID uint
	last    int64
	now     func() time.Time
}

// NewClock returns a Clock using the given clock identifier, which is
// truncated to 10 bits.
func NewClock(clockID uint) *Clock {
	return &Clock{clockID: clockID & maxClockID, now: time.Now}
}

// Next returns a TID later than every TID previously returned by c.
func (c *Clock) Next() TID {
	c.mu.Lock()
	defer c.mu.Unlock()
	micros := c.now().UnixMicro()
	if micros <= c.last {
		micros = c.last + 1
	}
	c.last = micros
	return New(time.UnixMicro(micros), c.clockID)
}

// NextAfter returns a TID that is both later than prev and than every
// TID previously returned by c.
func (c *Clock) NextAfter(prev TID) TID {
	c.mu.Lock()
	if prev != "" {
		if micros := prev.Time().UnixMicro(); micros > c.last {
			c.last = micros
		}
	}
	c.mu.Unlock()
	return c.Next()
}
