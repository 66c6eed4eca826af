package aggregator

import (
	"time"

	"github.com/rs/zerolog"
)

// Config tunes the aggregator event loop.
type Config struct {
	Logger zerolog.Logger

	// Propagation
	PropagateInterval   time.Duration
	PropagateTimeout    time.Duration
	FastCheckInterval   time.Duration
	FastNodesBudget     int // immediate single-node replies allowed per fast-check window
	StatsSizeLimitBytes int // soft cap of one sweep batch

	// Scanning
	ScanInterval              time.Duration // minimum age before a table is re-scanned
	ScheduleScanInterval      time.Duration
	DistributionRetryInterval time.Duration
	RetryInterval             time.Duration // navigate/resolve/provision retries
	RequestTimeout            time.Duration // per collaborator call
	KeepAliveTimeout          time.Duration

	EnableStatistics       *bool
	EnableColumnStatistics *bool

	Workers   int // async collaborator calls in flight
	QueueSize int // inbound event channel capacity
	Seed      int64
}

func BoolPtr(b bool) *bool { return &b }

// Default returns production defaults.
func Default() Config {
	return Config{
		Logger:                    zerolog.Nop(),
		PropagateInterval:         3 * time.Minute,
		PropagateTimeout:          2 * time.Minute,
		FastCheckInterval:         50 * time.Millisecond,
		FastNodesBudget:           3,
		StatsSizeLimitBytes:       2 << 20,
		ScanInterval:              24 * time.Hour,
		ScheduleScanInterval:      time.Second,
		DistributionRetryInterval: time.Second,
		RetryInterval:             time.Second,
		RequestTimeout:            10 * time.Second,
		KeepAliveTimeout:          3 * time.Second,
		EnableStatistics:          BoolPtr(true),
		EnableColumnStatistics:    BoolPtr(true),
		Workers:                   16,
		QueueSize:                 1024,
		Seed:                      time.Now().UnixNano(),
	}
}

// FillDefaults replaces zero values with defaults.
func (c *Config) FillDefaults() {
	d := Default()
	if c.PropagateInterval <= 0 {
		c.PropagateInterval = d.PropagateInterval
	}
	if c.PropagateTimeout <= 0 {
		c.PropagateTimeout = d.PropagateTimeout
	}
	if c.FastCheckInterval <= 0 {
		c.FastCheckInterval = d.FastCheckInterval
	}
	if c.FastNodesBudget < 0 {
		c.FastNodesBudget = 0
	}
	if c.StatsSizeLimitBytes <= 0 {
		c.StatsSizeLimitBytes = d.StatsSizeLimitBytes
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = d.ScanInterval
	}
	if c.ScheduleScanInterval <= 0 {
		c.ScheduleScanInterval = d.ScheduleScanInterval
	}
	if c.DistributionRetryInterval <= 0 {
		c.DistributionRetryInterval = d.DistributionRetryInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if c.EnableStatistics == nil {
		c.EnableStatistics = BoolPtr(true)
	}
	if c.EnableColumnStatistics == nil {
		c.EnableColumnStatistics = BoolPtr(true)
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
}

// ServerConfig tunes the inbound peer transport.
type ServerConfig struct {
	BindAddr     string
	AuthToken    string
	MaxFrameSize int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ReadBufSize  int
	WriteBufSize int
	PerConnQueue int
	MsgRate      float64 // inbound frames per second per connection, 0 = unlimited
	MsgBurst     int
	Logger       zerolog.Logger
}

func DefaultServer() ServerConfig {
	return ServerConfig{
		BindAddr:     ":7400",
		MaxFrameSize: 16 << 20,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  5 * time.Minute,
		ReadBufSize:  32 << 10,
		WriteBufSize: 32 << 10,
		PerConnQueue: 128,
		Logger:       zerolog.Nop(),
	}
}

func (c *ServerConfig) FillDefaults() {
	d := DefaultServer()
	if c.BindAddr == "" {
		c.BindAddr = d.BindAddr
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = d.ReadBufSize
	}
	if c.WriteBufSize <= 0 {
		c.WriteBufSize = d.WriteBufSize
	}
	if c.PerConnQueue <= 0 {
		c.PerConnQueue = d.PerConnQueue
	}
	if c.MsgRate > 0 && c.MsgBurst <= 0 {
		c.MsgBurst = int(c.MsgRate) + 1
	}
}

// RemoteConfig addresses the external collaborators: the metadata catalog and
// the tablet-distribution authority. Partition holders are dialed at the
// address returned by resolution.
type RemoteConfig struct {
	Self          string
	CatalogAddr   string
	AuthorityAddr string
	AuthorityID   TabletID
	AuthToken     string
	MaxFrameSize  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	MaxInflight   int
	Logger        zerolog.Logger
}

func DefaultRemote() RemoteConfig {
	return RemoteConfig{
		MaxFrameSize: 16 << 20,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  5 * time.Minute,
		MaxInflight:  64,
		Logger:       zerolog.Nop(),
	}
}

func (c *RemoteConfig) FillDefaults() {
	d := DefaultRemote()
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = d.MaxInflight
	}
}
