package dmq

import (
	"fmt"
	"net/url"
	"time"
)

// PlatformConfig represents the full configuration for one service process.
type PlatformConfig struct {
	ServiceName string            `json:"ServiceName" yaml:"ServiceName"`
	Connection  *ConnectionConfig `json:"Connection" yaml:"Connection"`
	Publisher   *PublisherConfig  `json:"Publisher" yaml:"Publisher"`
	Consumer    *ConsumerConfig   `json:"Consumer" yaml:"Consumer"`
	Dedup       *DedupConfig      `json:"Dedup" yaml:"Dedup"`
	Codec       *BodyCodecConfig  `json:"Codec" yaml:"Codec"`
	Topology    *TopologyConfig   `json:"Topology,omitempty" yaml:"Topology,omitempty"`
}

// ConnectionConfig represents settings for reaching the broker.
// Read once at startup, immutable afterwards.
type ConnectionConfig struct {
	Protocol          string `json:"Protocol" yaml:"Protocol"`
	Host              string `json:"Host" yaml:"Host"`
	Port              int    `json:"Port" yaml:"Port"`
	Username          string `json:"Username" yaml:"Username"`
	Password          string `json:"Password" yaml:"Password"`
	VHost             string `json:"VHost" yaml:"VHost"`
	ConnectionTimeout uint32 `json:"ConnectionTimeout" yaml:"ConnectionTimeout"` // seconds
	Heartbeat         uint32 `json:"Heartbeat" yaml:"Heartbeat"`                 // seconds
	ApplicationName   string `json:"ApplicationName" yaml:"ApplicationName"`

	// Reconnect enables the supervising loop that re-establishes a dropped
	// connection with backoff, replays the topology and re-registers
	// subscriptions.
	Reconnect bool `json:"Reconnect" yaml:"Reconnect"`
}

// URI renders an amqp URI from the individual connection fields.
func (c *ConnectionConfig) URI() string {
	protocol := c.Protocol
	if protocol == "" {
		protocol = "amqp"
	}

	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}

	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		protocol,
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		url.QueryEscape(vhost))
}

// PublisherConfig represents settings shared by all producers of a service.
type PublisherConfig struct {
	ConfirmationTimeout  uint32 `json:"ConfirmationTimeout" yaml:"ConfirmationTimeout"`   // milliseconds
	SleepOnErrorInterval uint32 `json:"SleepOnErrorInterval" yaml:"SleepOnErrorInterval"` // milliseconds
	MaxRetryCount        uint32 `json:"MaxRetryCount" yaml:"MaxRetryCount"`
}

// ConsumerConfig represents settings shared by all subscriptions of a service.
type ConsumerConfig struct {
	PrefetchCount int          `json:"PrefetchCount" yaml:"PrefetchCount"`
	Retry         *RetryConfig `json:"Retry" yaml:"Retry"`
}

// RetryConfig bounds redelivery of failed messages. A budget with backoff
// ensures a poison message ends up dead-lettered instead of looping through
// nack-requeue forever.
type RetryConfig struct {
	MaxAttempts    uint32  `json:"MaxAttempts" yaml:"MaxAttempts"`
	InitialBackoff uint32  `json:"InitialBackoff" yaml:"InitialBackoff"` // milliseconds
	MaxBackoff     uint32  `json:"MaxBackoff" yaml:"MaxBackoff"`         // milliseconds
	Multiplier     float64 `json:"Multiplier" yaml:"Multiplier"`
	Jitter         float64 `json:"Jitter" yaml:"Jitter"`
}

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultMultiplier     = 2.0
)

func (rc *RetryConfig) withDefaults() *RetryConfig {
	out := &RetryConfig{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: uint32(defaultInitialBackoff / time.Millisecond),
		MaxBackoff:     uint32(defaultMaxBackoff / time.Millisecond),
		Multiplier:     defaultMultiplier,
	}
	if rc == nil {
		return out
	}

	if rc.MaxAttempts > 0 {
		out.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoff > 0 {
		out.InitialBackoff = rc.InitialBackoff
	}
	if rc.MaxBackoff > 0 {
		out.MaxBackoff = rc.MaxBackoff
	}
	if rc.Multiplier > 1 {
		out.Multiplier = rc.Multiplier
	}
	out.Jitter = rc.Jitter

	return out
}

// DedupConfig represents settings for the processed-message store.
type DedupConfig struct {
	RetentionHours uint32 `json:"RetentionHours" yaml:"RetentionHours"`

	// RedisAddr switches the store to a shared Redis instance so multiple
	// replicas of the same consumer share dedup state. Empty means the
	// in-process store.
	RedisAddr      string `json:"RedisAddr,omitempty" yaml:"RedisAddr,omitempty"`
	RedisDB        int    `json:"RedisDB,omitempty" yaml:"RedisDB,omitempty"`
	ConnectTimeout uint32 `json:"ConnectTimeout,omitempty" yaml:"ConnectTimeout,omitempty"` // seconds
}

// Retention returns the configured retention window, defaulting to 24 hours.
func (dc *DedupConfig) Retention() time.Duration {
	if dc == nil || dc.RetentionHours == 0 {
		return 24 * time.Hour
	}
	return time.Duration(dc.RetentionHours) * time.Hour
}

// BodyCodecConfig represents optional at-rest protection of event bodies.
type BodyCodecConfig struct {
	CompressionEnabled bool   `json:"CompressionEnabled" yaml:"CompressionEnabled"`
	CompressionType    string `json:"CompressionType,omitempty" yaml:"CompressionType,omitempty"`
	EncryptionEnabled  bool   `json:"EncryptionEnabled" yaml:"EncryptionEnabled"`
	TimeConsideration  uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty"`
	MemoryMultiplier   uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty"`
	Threads            uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty"`
}
