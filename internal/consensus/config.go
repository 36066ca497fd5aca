package consensus

import "time"

// Config holds the Raft tunables the node consumes directly — the subset
// of the server shell's enumerated configuration (spec §6) that drives
// timers and thresholds inside the node's tick loop. Transport-level
// knobs (connection/send timeouts) live in the transport package instead.
type Config struct {
	HeartbeatInterval   time.Duration
	ElectionTimeoutBase time.Duration

	EnableSubleader bool
	SubleaderRatio  float64

	PrimaryTimeoutMin   time.Duration
	PrimaryTimeoutMax   time.Duration
	SecondaryTimeoutMin time.Duration
	SecondaryTimeoutMax time.Duration
	FollowerTimeoutMin  time.Duration
	FollowerTimeoutMax  time.Duration

	PromotionTimeout time.Duration

	RecvTimeout    time.Duration
	RTTAlpha       float64
	AutoTickPeriod time.Duration

	// StartupGrace is the window during which a freshly started Follower
	// suppresses its election timeout and treats itself as just having
	// heard a heartbeat. Ends on first AppendEntries or after this
	// duration, whichever is first.
	StartupGrace time.Duration

	Debug   bool
	Verbose bool
}

// DefaultConfig returns the defaults named in spec §4.3.1 and §6.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   50 * time.Millisecond,
		ElectionTimeoutBase: 150 * time.Millisecond,

		EnableSubleader: true,
		SubleaderRatio:  0.4,

		PrimaryTimeoutMin:   150 * time.Millisecond,
		PrimaryTimeoutMax:   200 * time.Millisecond,
		SecondaryTimeoutMin: 250 * time.Millisecond,
		SecondaryTimeoutMax: 350 * time.Millisecond,
		FollowerTimeoutMin:  300 * time.Millisecond,
		FollowerTimeoutMax:  1000 * time.Millisecond,

		PromotionTimeout: 300 * time.Millisecond,

		RecvTimeout:    10 * time.Millisecond,
		RTTAlpha:       0.3,
		AutoTickPeriod: time.Millisecond,

		StartupGrace: 5 * time.Second,
	}
}

// Validate enforces the configuration error taxonomy from spec §7: a
// cluster smaller than 3 or a sub-leader ratio that designates fewer than
// one sub-leader fails fast at startup rather than running in a broken
// configuration.
func (c Config) Validate(nodeCount int) error {
	if nodeCount < 3 {
		return errConfigf("cluster must have at least 3 nodes, got %d", nodeCount)
	}
	if c.EnableSubleader {
		subleaders := int(float64(nodeCount) * c.SubleaderRatio)
		if subleaders < 1 {
			return errConfigf("subleader_ratio %.2f yields 0 sub-leaders for %d nodes", c.SubleaderRatio, nodeCount)
		}
	}
	return nil
}

// LeaseBound is the split-brain guard duration from spec §4.3.3: a Leader
// that hasn't observed a majority ack within this window steps down.
func (c Config) LeaseBound() time.Duration {
	bound := c.HeartbeatInterval * 30
	if bound < 3*time.Second {
		return 3 * time.Second
	}
	return bound
}
