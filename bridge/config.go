package bridge

import (
	"log/slog"
	"time"

	"github.com/wolfeidau/codex-bridge/bus"
	"github.com/wolfeidau/codex-bridge/statefile"
)

// Config holds bridge configuration. Construct one explicitly and pass it
// to New; there is no package-level default instance.
type Config struct {
	// BaseURL is the root of the remote Codex API.
	BaseURL string

	// Timeout is the per-attempt remote request timeout.
	Timeout time.Duration

	// MaxRetries is how many times a transport failure is retried.
	MaxRetries int

	// SyncInterval is the background reconciliation interval, and the
	// minimum elapsed time before a poll updates last_sync.
	SyncInterval time.Duration

	// AutoSync gates reconciliation work in the background loop. When
	// false the loop only drains the message queue.
	AutoSync bool

	// Bidirectional gates import (local to remote) operations.
	Bidirectional bool

	// ConflictResolution is the declared conflict policy. It is persisted
	// and reported but not consulted by any sync path; see
	// statefile.Policy.
	ConflictResolution statefile.Policy

	// StateFile is the path of the persisted state document.
	StateFile string

	// QueueSize caps the in-memory message queue.
	QueueSize int

	// Logger for bridge events.
	Logger *slog.Logger
}

// DefaultConfig returns the construction-time defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "http://localhost:5000/api",
		Timeout:            30 * time.Second,
		MaxRetries:         3,
		SyncInterval:       30 * time.Second,
		AutoSync:           true,
		Bidirectional:      true,
		ConflictResolution: statefile.PolicyManual,
		StateFile:          "codex_bridge_state.json",
		QueueSize:          bus.DefaultQueueSize,
		Logger:             slog.Default(),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.ConflictResolution == "" {
		c.ConflictResolution = def.ConflictResolution
	}
	if c.StateFile == "" {
		c.StateFile = def.StateFile
	}
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}
