// Package chain implements the pre-committed hash chain that seeds every
// round. The chain is generated once, back to front, from a random
// terminal digest: entry i is the SHA256 of entry i+1. Entry 0 is the
// public commitment; rounds consume entries front to back starting at
// index 1, so revealing a round's digest lets anyone check it hashes to
// the digest revealed before it, all the way back to the commitment.
package chain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/MJE43/crash-engine-go/internal/store"
)

// ErrChainExhausted is returned when every generated entry has been
// consumed. This is fatal for new-round creation: a fresh chain must be
// generated out of band before play can resume.
var ErrChainExhausted = errors.New("hash chain exhausted")

// commitmentIndex is reserved for the published commitment and never
// consumed by a round.
const commitmentIndex = 0

// RandomTerminal returns a random hex digest suitable as the terminal
// entry of a new chain.
func RandomTerminal() (string, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", errors.Wrap(err, "read random terminal seed")
	}
	return hex.EncodeToString(seed[:]), nil
}

// Generate builds a chain of length digests ending at terminal. The
// returned slice is ordered by index: hashing entry i+1 yields entry i.
func Generate(terminal string, length int64) []string {
	if length <= 0 {
		return nil
	}

	out := make([]string, length)
	out[length-1] = terminal
	for i := length - 2; i >= 0; i-- {
		h := sha256.Sum256([]byte(out[i+1]))
		out[i] = hex.EncodeToString(h[:])
	}
	return out
}

// VerifyLink checks that a revealed digest hashes to the digest published
// before it.
func VerifyLink(revealed, prior string) bool {
	h := sha256.Sum256([]byte(revealed))
	return hex.EncodeToString(h[:]) == prior
}

// VerifyChain checks every link of an ordered chain slice.
func VerifyChain(chain []string) bool {
	for i := 0; i < len(chain)-1; i++ {
		if !VerifyLink(chain[i+1], chain[i]) {
			return false
		}
	}
	return true
}

// Chain hands out stored chain entries to successive rounds. It owns the
// consumption cursor; entries are immutable once generated.
type Chain struct {
	db  store.DB
	log *zap.Logger

	mu     sync.Mutex
	next   int64
	length int64
}

// Open loads the chain state from the store. The cursor resumes after the
// highest index any persisted round has consumed.
func Open(db store.DB, log *zap.Logger) (*Chain, error) {
	length, err := db.ChainLength()
	if err != nil {
		return nil, errors.Wrap(err, "read chain length")
	}

	next := int64(commitmentIndex + 1)
	if used, ok, err := db.MaxHashIndexUsed(); err != nil {
		return nil, errors.Wrap(err, "read chain cursor")
	} else if ok && used >= next {
		next = used + 1
	}

	c := &Chain{db: db, log: log, next: next, length: length}
	log.Info("hash chain opened",
		zap.Int64("length", length),
		zap.Int64("next_index", next),
		zap.Int64("remaining", c.remainingLocked()),
	)
	return c, nil
}

// Commitment returns the publicly published entry the whole chain verifies
// against.
func (c *Chain) Commitment() (string, error) {
	e, err := c.db.ChainEntry(commitmentIndex)
	if err != nil {
		return "", errors.Wrap(err, "read commitment entry")
	}
	return e.Hash, nil
}

// Reveal returns the next unconsumed entry and advances the cursor. Fails
// with ErrChainExhausted once the generated chain is depleted.
func (c *Chain) Reveal() (store.ChainEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next >= c.length {
		return store.ChainEntry{}, ErrChainExhausted
	}

	e, err := c.db.ChainEntry(c.next)
	if err != nil {
		return store.ChainEntry{}, errors.Wrapf(err, "read chain entry %d", c.next)
	}

	c.next++
	if rem := c.remainingLocked(); rem > 0 && rem%10000 == 0 {
		c.log.Warn("hash chain running low", zap.Int64("remaining", rem))
	}
	return e, nil
}

// Remaining returns how many entries are left to consume.
func (c *Chain) Remaining() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

func (c *Chain) remainingLocked() int64 {
	if c.next >= c.length {
		return 0
	}
	return c.length - c.next
}
