package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/keymesh-io/keymesh-go/internal/discovery"
	"github.com/keymesh-io/keymesh-go/internal/metrics"
	"github.com/keymesh-io/keymesh-go/pkg/peerlink"
)

var (
	// ErrEmptySessionID is returned when the session ID is empty
	ErrEmptySessionID = errors.New("session ID cannot be empty")
	// ErrNilLink is returned when no peer link is provided
	ErrNilLink = errors.New("peer link cannot be nil")
)

// Config represents configuration for a PeerSession
type Config struct {
	// SessionID uniquely identifies this session in the mesh. It must
	// match the NodeID of the peer link.
	SessionID string

	// Link moves frames between this session and its peers
	Link peerlink.Link

	// Discovery optionally supplies the initial peer set; Open connects
	// to every discovered peer
	Discovery discovery.Discovery

	// Workers sizes the delivery worker pool
	Workers int

	// SubscriberBuffer is the default handle channel capacity and the
	// BestEffort queue bound of each subscription
	SubscriberBuffer int

	// QueryTimeout bounds queries that carry no explicit timeout
	QueryTimeout time.Duration

	// Logger receives structured engine logs; discarded by default
	Logger *slog.Logger

	// Metrics receives engine counters; defaults to an unregistered set
	Metrics *metrics.Metrics
}

// NewConfig creates a session configuration with safe defaults
func NewConfig(sessionID string, link peerlink.Link) *Config {
	c := &Config{
		SessionID: sessionID,
		Link:      link,
	}
	c.SetDefaults()
	return c
}

// SetDefaults fills in zero-valued fields with safe defaults
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return ErrEmptySessionID
	}
	if c.Link == nil {
		return ErrNilLink
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}

// WithDiscovery sets the discovery mechanism
func (c *Config) WithDiscovery(d discovery.Discovery) *Config {
	c.Discovery = d
	return c
}

// WithWorkers sets the delivery pool size
func (c *Config) WithWorkers(n int) *Config {
	c.Workers = n
	return c
}

// WithQueryTimeout sets the default query timeout
func (c *Config) WithQueryTimeout(d time.Duration) *Config {
	c.QueryTimeout = d
	return c
}

// WithLogger sets the structured logger
func (c *Config) WithLogger(l *slog.Logger) *Config {
	c.Logger = l
	return c
}

// WithMetrics sets the metrics collectors
func (c *Config) WithMetrics(m *metrics.Metrics) *Config {
	c.Metrics = m
	return c
}
