package validator

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// MaxAge is the maximum age of an accepted message.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`

	// MaxSkew is the maximum duration an accepted message's timestamp may
	// be ahead of the local clock.
	MaxSkew time.Duration `json:"max_skew" yaml:"max_skew"`

	// Penalty is the reputation subtracted from a peer for each rejected
	// message.
	Penalty float64 `json:"penalty" yaml:"penalty"`

	// Reward is the reputation added to a peer for each accepted message.
	Reward float64 `json:"reward" yaml:"reward"`

	// QuarantineAfter is the number of consecutive rejections within MaxAge
	// after which a peer is quarantined.
	QuarantineAfter int `json:"quarantine_after" yaml:"quarantine_after"`

	// SignatureCacheSize is the number of verified signatures to remember.
	SignatureCacheSize int `json:"signature_cache_size" yaml:"signature_cache_size"`
}

func DefaultConfig() Config {
	return Config{
		MaxAge:             time.Minute * 5,
		MaxSkew:            time.Minute * 2,
		Penalty:            0.2,
		Reward:             0.01,
		QuarantineAfter:    3,
		SignatureCacheSize: 4096,
	}
}

func (c *Config) Validate() error {
	if c.MaxAge <= 0 {
		return fmt.Errorf("missing max age")
	}
	if c.MaxSkew < 0 {
		return fmt.Errorf("max skew must not be negative")
	}
	if c.Penalty < 0 || c.Reward < 0 {
		return fmt.Errorf("penalty and reward must not be negative")
	}
	if c.QuarantineAfter <= 0 {
		return fmt.Errorf("missing quarantine after")
	}
	if c.SignatureCacheSize <= 0 {
		return fmt.Errorf("missing signature cache size")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(
		&c.MaxAge,
		"validator.max-age",
		c.MaxAge,
		`
The maximum age of an accepted message. Older messages are rejected as
stale.`,
	)
	fs.DurationVar(
		&c.MaxSkew,
		"validator.max-skew",
		c.MaxSkew,
		`
How far ahead of the local clock a message timestamp may be before the
message is rejected.`,
	)
	fs.Float64Var(
		&c.Penalty,
		"validator.penalty",
		c.Penalty,
		`
The reputation a peer loses for each rejected message.`,
	)
	fs.Float64Var(
		&c.Reward,
		"validator.reward",
		c.Reward,
		`
The reputation a peer gains for each accepted message, so a quarantined peer
that behaves can recover.`,
	)
	fs.IntVar(
		&c.QuarantineAfter,
		"validator.quarantine-after",
		c.QuarantineAfter,
		`
The number of consecutive rejected messages from a peer, within the max age
window, after which the peer is quarantined.`,
	)
	fs.IntVar(
		&c.SignatureCacheSize,
		"validator.signature-cache-size",
		c.SignatureCacheSize,
		`
The number of verified signatures to cache, so duplicate deliveries of a
message skip verification.`,
	)
}
