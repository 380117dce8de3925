// Package outputbuffer implements the "enclosing OutputBufferManager"
// collaborator of pkg/outputbuffer (spec.md §6): it constructs per-client
// ClientBuffers keyed by (taskInstanceID, bufferID), fans a page out to
// an explicit set of them, and enforces a manager-wide soft byte budget.
// It deliberately does not implement any broadcast/partitioned/arbitrary
// buffer *selection* policy — callers name the buffer IDs to fan out to.
package outputbuffer

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/mppengine/taskbuffer/pkg/outputbuffer"
	utillog "github.com/mppengine/taskbuffer/pkg/util/log"
)

type bufferKey struct {
	taskInstanceID string
	bufferID       int64
}

type entry struct {
	buf            *outputbuffer.ClientBuffer
	destroyedSince time.Time
}

type shard struct {
	mu      sync.Mutex
	buffers map[bufferKey]*entry
}

// Manager is the concrete OutputBufferManager. Its buffer map is striped
// across cfg.LockShards independent shards, keyed by xxhash(taskInstanceID),
// so that tasks with many buffers don't contend on one global lock.
type Manager struct {
	services.Service

	cfg    Config
	logger kitlog.Logger
	shards []*shard
}

// New constructs a Manager and its idle-buffer reaper service.
func New(cfg Config, logger kitlog.Logger) *Manager {
	if cfg.LockShards <= 0 {
		cfg.LockShards = 1
	}
	if logger == nil {
		logger = utillog.Logger
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		shards: make([]*shard, cfg.LockShards),
	}
	for i := range m.shards {
		m.shards[i] = &shard{buffers: make(map[bufferKey]*entry)}
	}
	m.Service = services.NewBasicService(nil, m.run, nil)
	return m
}

func (m *Manager) shardFor(taskInstanceID string) *shard {
	h := xxhash.Sum64String(taskInstanceID)
	return m.shards[h%uint64(len(m.shards))]
}

// GetOrCreateBuffer returns the buffer for (taskInstanceID, bufferID),
// constructing it on first use. preferLocal is stashed on the buffer as
// the plain hint spec.md §9 describes; it has no other effect here.
func (m *Manager) GetOrCreateBuffer(taskInstanceID string, bufferID int64, preferLocal bool) *outputbuffer.ClientBuffer {
	s := m.shardFor(taskInstanceID)
	key := bufferKey{taskInstanceID, bufferID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.buffers[key]; ok {
		return e.buf
	}

	buf := outputbuffer.NewClientBuffer(taskInstanceID, bufferID, utillog.NewRateLimitedLogger(1, m.logger))
	buf.SetPreferLocal(preferLocal)
	s.buffers[key] = &entry{buf: buf}
	metricActiveBuffers.Inc()
	return buf
}

// Buffer looks up an existing buffer without creating one.
func (m *Manager) Buffer(taskInstanceID string, bufferID int64) (*outputbuffer.ClientBuffer, bool) {
	s := m.shardFor(taskInstanceID)
	key := bufferKey{taskInstanceID, bufferID}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.buffers[key]
	if !ok {
		return nil, false
	}
	return e.buf, true
}

// TotalBufferedBytes sums Info().BufferedBytes across every buffer this
// manager knows about, for budget enforcement and metrics.
func (m *Manager) TotalBufferedBytes() int64 {
	var total int64
	for _, s := range m.shards {
		s.mu.Lock()
		for _, e := range s.buffers {
			total += e.buf.Info().PageBufferInfo.BufferedBytes
		}
		s.mu.Unlock()
	}
	return total
}

// EnqueueToBuffers fans ref out to every buffer named in bufferIDs under
// taskInstanceID, skipping IDs that don't (yet) resolve to a buffer. Per
// spec.md §4.3.1 the core's EnqueuePages performs its own addReference
// per accepted ref, so this only needs to hand the same *PageRef to each
// target and then give up the one reference the caller handed in —
// ownership is now held collectively by however many buffers actually
// accepted it (a buffer that has already seen noMorePages/forceDestroy
// silently drops it without bumping the count, so the accounting stays
// exact even when some targets are gone). Returns false, with no error,
// if accepting ref would exceed the manager's soft byte budget — benign
// backpressure, not a fault.
func (m *Manager) EnqueueToBuffers(taskInstanceID string, bufferIDs []int64, ref *outputbuffer.PageRef) (accepted bool, err error) {
	if m.cfg.MaxTotalBufferedBytes > 0 {
		if m.TotalBufferedBytes()+int64(ref.RetainedSizeInBytes()) > m.cfg.MaxTotalBufferedBytes {
			metricBudgetRejected.Inc()
			return false, nil
		}
	}

	for _, id := range bufferIDs {
		buf, ok := m.Buffer(taskInstanceID, id)
		if !ok {
			level.Debug(m.logger).Log("msg", "fan-out target buffer not found", "taskInstanceID", taskInstanceID, "bufferID", id)
			continue
		}
		if err := buf.EnqueuePages([]*outputbuffer.PageRef{ref}); err != nil {
			_ = ref.Release()
			return false, err
		}
	}

	if err := ref.Release(); err != nil {
		return false, err
	}
	return true, nil
}

// SetNoMorePages marks every buffer named in bufferIDs under
// taskInstanceID as having reached a natural end, e.g. on task
// completion. IDs that don't resolve to a buffer are skipped.
func (m *Manager) SetNoMorePages(taskInstanceID string, bufferIDs []int64) {
	for _, id := range bufferIDs {
		if buf, ok := m.Buffer(taskInstanceID, id); ok {
			if err := buf.SetNoMorePages(); err != nil {
				level.Error(m.logger).Log("msg", "setNoMorePages failed", "err", err, "taskInstanceID", taskInstanceID, "bufferID", id)
			}
		}
	}
}

// run is the reaper loop: it periodically evicts manager-side bookkeeping
// for buffers that have been Destroyed for longer than cfg.IdleReapAfter.
// The core's own buffer (pkg/outputbuffer.ClientBuffer) is already
// zero-cost once destroyed — pages drained, bufferedBytes zeroed — this
// only reclaims this package's own map entries and shard memory.
func (m *Manager) run(ctx context.Context) error {
	interval := m.cfg.IdleReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.reapIdleBuffers()
		}
	}
}

func (m *Manager) reapIdleBuffers() {
	now := time.Now()
	for _, s := range m.shards {
		s.mu.Lock()
		for key, e := range s.buffers {
			if !e.buf.IsDestroyed() {
				continue
			}
			if e.destroyedSince.IsZero() {
				e.destroyedSince = now
				continue
			}
			if now.Sub(e.destroyedSince) >= m.cfg.IdleReapAfter {
				delete(s.buffers, key)
				metricBuffersReaped.Inc()
				metricActiveBuffers.Dec()
			}
		}
		s.mu.Unlock()
	}
}
