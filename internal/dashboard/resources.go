package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"positionwatch/logger"
)

// resourceSnapshot is one sample of host and process utilisation.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
	ProcessRSS  uint64    `json:"process_rss"`
	Goroutines  int       `json:"goroutines"`
}

type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSnapshot
	limit    int
	interval time.Duration
	diskPath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
	processRSSFn  = func(ctx context.Context) (uint64, error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
)

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		limit:    limit,
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}

func (s *resourceSampler) append(snapshot resourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, snapshot)
	if len(s.items) > s.limit {
		s.items = append([]resourceSnapshot(nil), s.items[len(s.items)-s.limit:]...)
	}
}

// run samples back to back; the cpu measurement itself blocks for interval.
func (s *resourceSampler) run(ctx context.Context) {
	log := s.log.WithComponent("dashboard")
	for ctx.Err() == nil {
		snap, err := s.sample(ctx)
		if err != nil {
			log.WithError(err).Debug("failed to sample resources")
			if waitOrDone(ctx, s.interval) {
				return
			}
			continue
		}
		s.append(snap)
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	diskStats, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, err
	}
	// process RSS is optional, some sandboxes hide /proc
	rss, _ := processRSSFn(ctx)

	snap := resourceSnapshot{
		Timestamp:   time.Now(),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
		ProcessRSS:  rss,
		Goroutines:  runtime.NumGoroutine(),
	}
	if len(cpuSamples) > 0 {
		snap.CPUPercent = cpuSamples[0]
	}
	return snap, nil
}

func waitOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
