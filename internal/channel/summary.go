package channel

import (
	"context"
	"sync"
	"time"

	"positionwatch/internal/metrics"
	"positionwatch/logger"
	"positionwatch/models"
)

type HubStats struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// SummaryHub fans flushed summaries out to subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the summary and the drop
// is counted.
type SummaryHub struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[uint64]chan models.SummaryEvent
	nextID uint64
	closed bool

	statsMutex sync.Mutex
	stats      HubStats
	log        *logger.Log
}

func NewSummaryHub(bufferSize int) *SummaryHub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	h := &SummaryHub{
		bufferSize: bufferSize,
		subs:       make(map[uint64]chan models.SummaryEvent),
		log:        logger.GetLogger(),
	}
	h.log.WithComponent("summary_hub").WithField("buffer_size", bufferSize).Info("summary hub initialized")
	return h
}

// Subscribe returns a channel receiving every later summary and a cancel
// function that unsubscribes and closes it.
func (h *SummaryHub) Subscribe() (<-chan models.SummaryEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.SummaryEvent, h.bufferSize)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *SummaryHub) Publish(summary models.SummaryEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	var delivered, dropped int64
	for _, ch := range h.subs {
		select {
		case ch <- summary:
			delivered++
		default:
			dropped++
		}
	}

	h.statsMutex.Lock()
	h.stats.Published++
	h.stats.Delivered += delivered
	h.stats.Dropped += dropped
	h.statsMutex.Unlock()

	if dropped > 0 {
		h.log.WithComponent("summary_hub").WithFields(logger.Fields{
			"key":     summary.Key.String(),
			"dropped": dropped,
		}).Warn("subscriber buffer full; summary dropped")
	}
}

func (h *SummaryHub) Stats() HubStats {
	h.mu.RLock()
	subscribers := len(h.subs)
	h.mu.RUnlock()

	h.statsMutex.Lock()
	defer h.statsMutex.Unlock()
	stats := h.stats
	stats.Subscribers = subscribers
	return stats
}

// StartMetricsReporting logs and emits hub statistics every interval until
// ctx is cancelled.
func (h *SummaryHub) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.reportStats()
			}
		}
	}()
}

func (h *SummaryHub) reportStats() {
	stats := h.Stats()
	h.log.WithComponent("summary_hub").WithFields(logger.Fields{
		"published":   stats.Published,
		"delivered":   stats.Delivered,
		"dropped":     stats.Dropped,
		"subscribers": stats.Subscribers,
	}).Info("summary hub statistics")

	metrics.HubStats(stats.Published, stats.Delivered, stats.Dropped, stats.Subscribers)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *SummaryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.log.WithComponent("summary_hub").Info("summary hub closed")
}
