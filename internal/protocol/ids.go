// Package protocol defines the wire messages exchanged between the
// perception agent, the gateway, and controllers, plus the identifier
// formats those messages carry.
package protocol

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewCommandID mints a commandId in the "cmd_<ms-since-epoch>_<4-char-base36>" form.
// A suffix already handed out within the same millisecond is drawn again, so
// two ids minted in the same millisecond never share a suffix.
func NewCommandID() string {
	idMu.Lock()
	defer idMu.Unlock()
	ms := time.Now().UnixMilli()
	if ms != idMs {
		idMs = ms
		idUsed = make(map[string]bool)
	}
	for {
		suffix, err := randomBase36(4)
		if err != nil {
			// crypto/rand failures are effectively unrecoverable on a real host; fall
			// back to a counter so command correlation still functions.
			suffix = fmt.Sprintf("%04d", counter.Add(1)%10000)
		}
		if !idUsed[suffix] {
			idUsed[suffix] = true
			return fmt.Sprintf("cmd_%d_%s", ms, suffix)
		}
	}
}

var (
	counter atomic.Uint64
	idMu    sync.Mutex
	idMs    int64
	idUsed  = make(map[string]bool)
)

func randomBase36(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out), nil
}

// ElementIDGenerator assigns stable identity strings to DOM elements. On first
// encounter an element yields "e_<htmlId>" when it carries a unique DOM id
// attribute, otherwise "a_<base36 counter>". The generator itself is dumb: the
// caller (perception.Engine) is responsible for keeping the element-to-id
// association stable across attribute churn.
type ElementIDGenerator struct {
	next atomic.Uint64
}

// NewElementIDGenerator returns a generator starting its counter at zero.
func NewElementIDGenerator() *ElementIDGenerator {
	return &ElementIDGenerator{}
}

// FromHTMLID returns the id to use for an element whose DOM id attribute is
// htmlID and is known (by the caller) to be unique in the document.
func (g *ElementIDGenerator) FromHTMLID(htmlID string) string {
	return "e_" + htmlID
}

// NextCounter returns the next "a_<base36>" synthetic id for an element with
// no usable DOM id.
func (g *ElementIDGenerator) NextCounter() string {
	n := g.next.Add(1) - 1
	return "a_" + toBase36(n)
}

func toBase36(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [32]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base36Alphabet[n%36]
		n /= 36
	}
	return string(buf[i:])
}
