// Package stream maintains the exchange WebSocket channels and publishes decoded market and user
// events onto the bus in arrival order.
package stream

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes public market channels from the authenticated user-data channel.
type Kind string

const (
	KindMarket Kind = "market"
	KindUser   Kind = "user"
)

// State is the lifecycle stage of a channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateStreaming    State = "streaming"
	StateDegraded     State = "degraded"
)

const (
	// Binance accepts at most five control messages per second per connection.
	defaultControlInterval = 250 * time.Millisecond
	maxStreamsPerRequest   = 100
	defaultReadLimit       = 2 * 1024 * 1024
)

// ChannelConfig describes one WebSocket connection.
type ChannelConfig struct {
	Name    string   `yaml:"name"`
	Kind    Kind     `yaml:"kind"`
	URL     string   `yaml:"url"`
	Streams []string `yaml:"streams"`
	// Auth sends a session.logon frame signed with the Ed25519 key before subscribing.
	Auth bool `yaml:"auth"`
}

func (c ChannelConfig) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("stream channel name required")
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("stream channel %s: url required", c.Name)
	}
	switch c.Kind {
	case KindMarket:
		if len(c.Streams) == 0 {
			return fmt.Errorf("stream channel %s: at least one stream required", c.Name)
		}
	case KindUser:
	default:
		return fmt.Errorf("stream channel %s: unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// Config tunes connection behaviour shared by every channel.
type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AckTimeout        time.Duration
	ControlInterval   time.Duration
	MaxResyncFailures int
	ListenKeyRefresh  time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
		AckTimeout:        10 * time.Second,
		ControlInterval:   defaultControlInterval,
		MaxResyncFailures: 3,
		ListenKeyRefresh:  30 * time.Minute,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.ControlInterval < 0 {
		c.ControlInterval = 0
	}
	if c.MaxResyncFailures <= 0 {
		c.MaxResyncFailures = def.MaxResyncFailures
	}
	if c.ListenKeyRefresh <= 0 {
		c.ListenKeyRefresh = def.ListenKeyRefresh
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	return c
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(streams)
	}
	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := start + size
		if end > len(streams) {
			end = len(streams)
		}
		chunk := make([]string, end-start)
		copy(chunk, streams[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
