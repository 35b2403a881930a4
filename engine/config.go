package engine

import (
	"time"

	"github.com/kolibridb/coredb/codec"
	"github.com/kolibridb/coredb/commitlog"
	"github.com/kolibridb/coredb/compaction"
)

const (
	defaultDataDir               = "./data"
	defaultCommitlogDir          = "./commitlog"
	defaultFlushThresholdBytes   = 64 * 1024 * 1024
	defaultSSTableBlockBytes     = 64 * 1024
	defaultBloomFPRate           = 0.01
	defaultGCGraceSeconds        = 864000
	defaultCompactionInterval    = 30 * time.Second
	defaultL0BackpressureLimit   = 8
)

// Config collects every recognized configuration option. Only these
// options are read; anything else is the caller's concern.
type Config struct {
	DataDir                     string
	CommitlogDir                string
	MemtableFlushThresholdBytes int64
	SSTableBlockBytes           int
	BloomFPRate                 float64
	CompactionStrategy          compaction.Strategy
	CompressionCodec            codec.ID
	FsyncPolicy                 commitlog.FsyncPolicy
	GCGraceSeconds              int64
	CompactionInterval          time.Duration
	L0BackpressureLimit         int
}

// Option configures Open.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		DataDir:                     defaultDataDir,
		CommitlogDir:                defaultCommitlogDir,
		MemtableFlushThresholdBytes: defaultFlushThresholdBytes,
		SSTableBlockBytes:           defaultSSTableBlockBytes,
		BloomFPRate:                 defaultBloomFPRate,
		CompactionStrategy:          compaction.SizeTiered,
		CompressionCodec:            codec.LZ4,
		FsyncPolicy:                 commitlog.PerAppendPolicy(),
		GCGraceSeconds:              defaultGCGraceSeconds,
		CompactionInterval:          defaultCompactionInterval,
		L0BackpressureLimit:         defaultL0BackpressureLimit,
	}
}

func WithDataDir(dir string) Option {
	return func(c *Config) { c.DataDir = dir }
}

func WithCommitlogDir(dir string) Option {
	return func(c *Config) { c.CommitlogDir = dir }
}

func WithFlushThresholdBytes(n int64) Option {
	return func(c *Config) { c.MemtableFlushThresholdBytes = n }
}

func WithSSTableBlockBytes(n int) Option {
	return func(c *Config) { c.SSTableBlockBytes = n }
}

func WithBloomFPRate(rate float64) Option {
	return func(c *Config) { c.BloomFPRate = rate }
}

func WithCompactionStrategy(s compaction.Strategy) Option {
	return func(c *Config) { c.CompactionStrategy = s }
}

func WithCompressionCodec(id codec.ID) Option {
	return func(c *Config) { c.CompressionCodec = id }
}

func WithFsyncPolicy(p commitlog.FsyncPolicy) Option {
	return func(c *Config) { c.FsyncPolicy = p }
}

func WithGCGraceSeconds(seconds int64) Option {
	return func(c *Config) { c.GCGraceSeconds = seconds }
}

func WithCompactionInterval(d time.Duration) Option {
	return func(c *Config) { c.CompactionInterval = d }
}

func WithL0BackpressureLimit(n int) Option {
	return func(c *Config) { c.L0BackpressureLimit = n }
}
