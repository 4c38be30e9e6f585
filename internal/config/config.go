// Package config holds the gossip engine's tunables, loaded from the
// environment and validated at construction time.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
)

// PeerSelectionStrategy names one of the four fanout selection policies.
type PeerSelectionStrategy string

const (
	Random                 PeerSelectionStrategy = "random"
	RoundRobin             PeerSelectionStrategy = "round_robin"
	LeastRecentlyContacted PeerSelectionStrategy = "least_recently_contacted"
	MostReliable           PeerSelectionStrategy = "most_reliable"
)

// Config holds every validated tunable for a GossipNode.
type Config struct {
	NodeID                   model.NodeID
	GossipInterval           time.Duration
	Fanout                   int
	GossipTimeout            time.Duration
	MaxEventsPerMessage      int
	MaxMessageSizeBytes      int
	PeerSelectionStrategy    PeerSelectionStrategy
	EnableAntiEntropy        bool
	AntiEntropyInterval      time.Duration
	MaxEventAge              time.Duration
	EnableDuplicateDetection bool
	DuplicateCacheSize       int
	PeerDiscoveryInterval    time.Duration
	EnableVectorClockGC      bool
	NodeExpirationAge        time.Duration
}

// Option mutates a Config during construction.
type Option func(*Config)

func WithNodeID(id model.NodeID) Option          { return func(c *Config) { c.NodeID = id } }
func WithGossipInterval(d time.Duration) Option  { return func(c *Config) { c.GossipInterval = d } }
func WithFanout(n int) Option                    { return func(c *Config) { c.Fanout = n } }
func WithGossipTimeout(d time.Duration) Option   { return func(c *Config) { c.GossipTimeout = d } }
func WithMaxEventsPerMessage(n int) Option       { return func(c *Config) { c.MaxEventsPerMessage = n } }
func WithMaxMessageSizeBytes(n int) Option       { return func(c *Config) { c.MaxMessageSizeBytes = n } }

func WithPeerSelectionStrategy(s PeerSelectionStrategy) Option {
	return func(c *Config) { c.PeerSelectionStrategy = s }
}

func WithAntiEntropy(enabled bool, interval time.Duration) Option {
	return func(c *Config) { c.EnableAntiEntropy = enabled; c.AntiEntropyInterval = interval }
}

func WithMaxEventAge(d time.Duration) Option { return func(c *Config) { c.MaxEventAge = d } }

func WithDuplicateDetection(enabled bool, cacheSize int) Option {
	return func(c *Config) { c.EnableDuplicateDetection = enabled; c.DuplicateCacheSize = cacheSize }
}

func WithPeerDiscoveryInterval(d time.Duration) Option {
	return func(c *Config) { c.PeerDiscoveryInterval = d }
}

func WithVectorClockGC(enabled bool, nodeExpirationAge time.Duration) Option {
	return func(c *Config) { c.EnableVectorClockGC = enabled; c.NodeExpirationAge = nodeExpirationAge }
}

// defaults returns a Config populated with sensible defaults for every
// tunable.
func defaults() *Config {
	return &Config{
		GossipInterval:           time.Second,
		Fanout:                   3,
		GossipTimeout:            10 * time.Second,
		MaxEventsPerMessage:      100,
		MaxMessageSizeBytes:      1 << 20,
		PeerSelectionStrategy:    Random,
		EnableAntiEntropy:        true,
		AntiEntropyInterval:      5 * time.Minute,
		MaxEventAge:              24 * time.Hour,
		EnableDuplicateDetection: true,
		DuplicateCacheSize:       10_000,
		PeerDiscoveryInterval:    time.Minute,
		EnableVectorClockGC:      false,
		NodeExpirationAge:        7 * 24 * time.Hour,
	}
}

// New builds a Config from defaults plus the supplied options, validating
// the result.
func New(opts ...Option) (*Config, error) {
	c := defaults()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every configuration invariant, failing with
// InvalidConfig on the first violation found.
func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return gerrors.NewInvalidConfig("nodeId must not be empty")
	case c.GossipInterval <= 0:
		return gerrors.NewInvalidConfig("gossipInterval must be > 0")
	case c.Fanout < 1 || c.Fanout > 50:
		return gerrors.NewInvalidConfig("fanout must be in [1, 50]")
	case c.GossipTimeout <= c.GossipInterval:
		return gerrors.NewInvalidConfig("gossipTimeout must be greater than gossipInterval")
	case c.MaxEventsPerMessage <= 0:
		return gerrors.NewInvalidConfig("maxEventsPerMessage must be > 0")
	case c.MaxMessageSizeBytes <= 0:
		return gerrors.NewInvalidConfig("maxMessageSizeBytes must be > 0")
	case !validStrategy(c.PeerSelectionStrategy):
		return gerrors.NewInvalidConfig("peerSelectionStrategy must be one of random, round_robin, least_recently_contacted, most_reliable")
	case c.EnableAntiEntropy && c.AntiEntropyInterval <= 0:
		return gerrors.NewInvalidConfig("antiEntropyInterval must be > 0 when anti-entropy is enabled")
	case c.MaxEventAge <= 0:
		return gerrors.NewInvalidConfig("maxEventAge must be > 0")
	case c.EnableDuplicateDetection && c.DuplicateCacheSize <= 0:
		return gerrors.NewInvalidConfig("duplicateCacheSize must be > 0 when duplicate detection is enabled")
	case c.PeerDiscoveryInterval <= 0:
		return gerrors.NewInvalidConfig("peerDiscoveryInterval must be > 0")
	case c.EnableVectorClockGC && c.NodeExpirationAge <= 0:
		return gerrors.NewInvalidConfig("nodeExpirationAge must be > 0 when vector clock GC is enabled")
	}
	return nil
}

func validStrategy(s PeerSelectionStrategy) bool {
	switch s {
	case Random, RoundRobin, LeastRecentlyContacted, MostReliable:
		return true
	default:
		return false
	}
}

// Load builds a Config from environment variables, falling back to the same
// defaults New() would use.
func Load() (*Config, error) {
	c := defaults()
	c.NodeID = model.NodeID(getEnv("GOSSIP_NODE_ID", ""))
	c.GossipInterval = getEnvDuration("GOSSIP_INTERVAL", c.GossipInterval)
	c.Fanout = getEnvInt("GOSSIP_FANOUT", c.Fanout)
	c.GossipTimeout = getEnvDuration("GOSSIP_TIMEOUT", c.GossipTimeout)
	c.MaxEventsPerMessage = getEnvInt("GOSSIP_MAX_EVENTS_PER_MESSAGE", c.MaxEventsPerMessage)
	c.MaxMessageSizeBytes = getEnvInt("GOSSIP_MAX_MESSAGE_SIZE_BYTES", c.MaxMessageSizeBytes)
	c.PeerSelectionStrategy = PeerSelectionStrategy(getEnv("GOSSIP_PEER_SELECTION_STRATEGY", string(c.PeerSelectionStrategy)))
	c.EnableAntiEntropy = getEnvBool("GOSSIP_ENABLE_ANTI_ENTROPY", c.EnableAntiEntropy)
	c.AntiEntropyInterval = getEnvDuration("GOSSIP_ANTI_ENTROPY_INTERVAL", c.AntiEntropyInterval)
	c.MaxEventAge = getEnvDuration("GOSSIP_MAX_EVENT_AGE", c.MaxEventAge)
	c.EnableDuplicateDetection = getEnvBool("GOSSIP_ENABLE_DUPLICATE_DETECTION", c.EnableDuplicateDetection)
	c.DuplicateCacheSize = getEnvInt("GOSSIP_DUPLICATE_CACHE_SIZE", c.DuplicateCacheSize)
	c.PeerDiscoveryInterval = getEnvDuration("GOSSIP_PEER_DISCOVERY_INTERVAL", c.PeerDiscoveryInterval)
	c.EnableVectorClockGC = getEnvBool("GOSSIP_ENABLE_VECTOR_CLOCK_GC", c.EnableVectorClockGC)
	c.NodeExpirationAge = getEnvDuration("GOSSIP_NODE_EXPIRATION_AGE", c.NodeExpirationAge)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
