// Package fair derives a round's crash point from its seed hash. The
// derivation is a pure function of the seed hash and a versioned public
// configuration, so any observer can replay it after the seed is revealed
// and reproduce exactly the crash point that was used live.
package fair

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"
)

// DefaultSalt is the public salt mixed into every derivation. Changing it
// (or any other constant) requires a new config version, since published
// audit instructions reference these values.
const DefaultSalt = "0000000000000000000fa3b65e43e4240d71762a5bf397d5304b2596d116859c"

const (
	outcomeSpace = 1_000_000
	// hexDigits52 is the number of leading hex digits of the HMAC digest
	// interpreted as the 52-bit outcome integer.
	hexDigits52 = 13

	// MinCrashPoint is 1.00x in fixed-point hundredths. InstantBust (0)
	// is the only value below it a derivation can produce.
	MinCrashPoint = 100
	InstantBust   = 0
)

// Config fixes the derivation constants. These are load-bearing for the
// fairness audit and must match what is documented to participants.
type Config struct {
	Version string `yaml:"version"`
	Salt    string `yaml:"salt"`
	// EdgePerMillion is the share of outcomes, out of 1e6, that bust
	// instantly. 10000 = 1% house edge.
	EdgePerMillion int64 `yaml:"edge_per_million"`
}

// DefaultConfig is the v1 derivation: 1% edge, public default salt.
func DefaultConfig() Config {
	return Config{
		Version:        "v1",
		Salt:           DefaultSalt,
		EdgePerMillion: 10_000,
	}
}

// Deriver maps seed hashes to crash points under a fixed Config.
type Deriver struct {
	cfg Config
}

// NewDeriver validates the config and returns a Deriver.
func NewDeriver(cfg Config) (*Deriver, error) {
	if cfg.Version == "" {
		return nil, errors.New("fair: config version is required")
	}
	if cfg.Salt == "" {
		return nil, errors.New("fair: salt is required")
	}
	if cfg.EdgePerMillion < 0 || cfg.EdgePerMillion >= outcomeSpace {
		return nil, errors.Errorf("fair: edge_per_million %d out of range [0, %d)",
			cfg.EdgePerMillion, outcomeSpace)
	}
	return &Deriver{cfg: cfg}, nil
}

// Config returns the derivation constants in use.
func (d *Deriver) Config() Config {
	return d.cfg
}

// Derive computes the crash point for a seed hash, in fixed-point
// hundredths. 0 means instant bust; otherwise the result is at least
// MinCrashPoint.
//
// The outcome integer is the first 52 bits of HMAC-SHA256(seedHash, salt)
// reduced mod 1e6; outcomes below EdgePerMillion bust instantly, and the
// rest map to floor(1e8 / (1e6 - outcome)) hundredths.
func (d *Deriver) Derive(seedHash string) int64 {
	mac := hmac.New(sha256.New, []byte(seedHash))
	mac.Write([]byte(d.cfg.Salt))
	digest := hex.EncodeToString(mac.Sum(nil))

	// 13 hex digits = 52 bits; always parses.
	x, err := strconv.ParseUint(digest[:hexDigits52], 16, 64)
	if err != nil {
		panic("fair: hmac digest not hex: " + err.Error())
	}

	outcome := int64(x % outcomeSpace)
	if outcome < d.cfg.EdgePerMillion {
		return InstantBust
	}

	crashPoint := int64(100_000_000) / (outcomeSpace - outcome)
	if crashPoint < MinCrashPoint {
		crashPoint = MinCrashPoint
	}
	return crashPoint
}
