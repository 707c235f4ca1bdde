package metrics

import (
	"sync"
	"time"

	"positionwatch/logger"
)

// Sample sources.
const (
	SourceSummaryHub = "summary_hub"
	SourceDelivery   = "delivery"
)

// Sample is one reading for the dashboard's live feed. The summary hub
// publishes its counters on every report tick; each summary delivery
// publishes its outcome as a sample named after the result.
type Sample struct {
	Timestamp time.Time
	Source    string
	Name      string
	Value     float64
	Gauge     bool
	Account   string
}

// SampleListener receives published samples. It must not block.
type SampleListener func(Sample)

type listener struct {
	id uint64
	fn SampleListener
}

var (
	listenersMu    sync.RWMutex
	listeners      []listener
	lastListenerID uint64
)

// Listen subscribes fn to every published sample. The returned func
// removes the subscription.
func Listen(fn SampleListener) func() {
	if fn == nil {
		return func() {}
	}

	listenersMu.Lock()
	lastListenerID++
	id := lastListenerID
	listeners = append(listeners, listener{id: id, fn: fn})
	listenersMu.Unlock()

	return func() {
		listenersMu.Lock()
		defer listenersMu.Unlock()
		for i, l := range listeners {
			if l.id == id {
				listeners = append(listeners[:i:i], listeners[i+1:]...)
				return
			}
		}
	}
}

// HubStats publishes the summary hub counters as one batch of samples.
func HubStats(published, delivered, dropped int64, subscribers int) {
	now := time.Now()
	publish(Sample{Timestamp: now, Source: SourceSummaryHub, Name: "published", Value: float64(published)})
	publish(Sample{Timestamp: now, Source: SourceSummaryHub, Name: "delivered", Value: float64(delivered)})
	publish(Sample{Timestamp: now, Source: SourceSummaryHub, Name: "dropped", Value: float64(dropped)})
	publish(Sample{Timestamp: now, Source: SourceSummaryHub, Name: "subscribers", Value: float64(subscribers), Gauge: true})
}

func deliveryOutcome(account, result string) {
	publish(Sample{Timestamp: time.Now(), Source: SourceDelivery, Name: result, Value: 1, Account: account})
}

func publish(s Sample) {
	fields := logger.Fields{"sample": s.Name, "value": s.Value}
	if s.Account != "" {
		fields["account"] = s.Account
	}
	logger.GetLogger().WithComponent(s.Source).WithFields(fields).Debug("metric sample")

	listenersMu.RLock()
	fns := make([]SampleListener, len(listeners))
	for i, l := range listeners {
		fns[i] = l.fn
	}
	listenersMu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}
