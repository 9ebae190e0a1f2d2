package application

import (
	"time"

	"go.uber.org/atomic"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

// Stats son los contadores del publicador desde el arranque del proceso.
type Stats struct {
	published        atomic.Int64
	failed           atomic.Int64
	cdcPublished     atomic.Int64
	pollingPublished atomic.Int64
	deduplicated     atomic.Int64
	lastPublish      atomic.Time
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) recordPublished(path domain.DeliveryPath, at time.Time) {
	s.published.Inc()
	switch path {
	case domain.PathCDC:
		s.cdcPublished.Inc()
	case domain.PathPolling:
		s.pollingPublished.Inc()
	}
	s.lastPublish.Store(at)
}

func (s *Stats) recordDeduplicated() { s.deduplicated.Inc() }

func (s *Stats) recordFailed() { s.failed.Inc() }

// StatsSnapshot es la lectura puntual de Stats.
type StatsSnapshot struct {
	PublishedCount    int64      `json:"publishedCount"`
	FailedCount       int64      `json:"failedCount"`
	CDCPublished      int64      `json:"cdcPublished"`
	PollingPublished  int64      `json:"pollingPublished"`
	DeduplicatedCount int64      `json:"deduplicatedCount"`
	LastPublishTime   *time.Time `json:"lastPublishTime,omitempty"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		PublishedCount:    s.published.Load(),
		FailedCount:       s.failed.Load(),
		CDCPublished:      s.cdcPublished.Load(),
		PollingPublished:  s.pollingPublished.Load(),
		DeduplicatedCount: s.deduplicated.Load(),
	}
	if last := s.lastPublish.Load(); !last.IsZero() {
		snap.LastPublishTime = &last
	}
	return snap
}
