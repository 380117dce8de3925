package outputbuffer

import (
	"flag"
	"time"
)

// Config is the manager's root config, registered the way the teacher
// registers every module's config: a flag.FlagSet plus yaml tags for the
// config file, with a prefix so it can be embedded under a larger app
// config without flag collisions.
type Config struct {
	// MaxTotalBufferedBytes is the manager-wide soft byte budget across
	// all of its buffers; EnqueueToBuffers refuses further fan-out once
	// the sum of Info().BufferedBytes would exceed it.
	MaxTotalBufferedBytes int64 `yaml:"max_total_buffered_bytes"`

	// LockShards is the number of stripes the manager's buffer map is
	// split across, each guarded independently.
	LockShards int `yaml:"lock_shards"`

	// IdleReapInterval is how often the reaper scans for destroyed
	// buffers that have been sitting idle and evicts their bookkeeping.
	IdleReapInterval time.Duration `yaml:"idle_reap_interval"`

	// IdleReapAfter is how long a destroyed buffer is kept around before
	// the reaper evicts it.
	IdleReapAfter time.Duration `yaml:"idle_reap_after"`
}

// RegisterFlagsAndApplyDefaults registers the config's flags under
// prefix, following the teacher's per-module config convention.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&c.MaxTotalBufferedBytes, prefix+".max-total-buffered-bytes", 256<<20,
		"Soft ceiling on total bytes buffered across all client buffers managed here.")
	f.IntVar(&c.LockShards, prefix+".lock-shards", 16,
		"Number of lock stripes the buffer map is split across.")
	f.DurationVar(&c.IdleReapInterval, prefix+".idle-reap-interval", 30*time.Second,
		"How often the idle-buffer reaper runs.")
	f.DurationVar(&c.IdleReapAfter, prefix+".idle-reap-after", 5*time.Minute,
		"How long a destroyed buffer's bookkeeping is kept before the reaper evicts it.")
}
