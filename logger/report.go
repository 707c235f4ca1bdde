package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

type accountStat struct {
	messages   int64
	bytes      int64
	reconnects int64
}

var (
	changeEvents      int64
	summariesFlushed  int64
	deliveriesOK      int64
	deliveriesFailed  int64
	malformedUpdates  int64
	droppedOnShutdown int64
	components        sync.Map // map[string]*componentStat
	accounts          sync.Map // map[string]*accountStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func accountStats(account string) *accountStat {
	v, _ := accounts.LoadOrStore(account, &accountStat{})
	return v.(*accountStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// RecordStreamMessage counts one raw message read from an account stream.
func RecordStreamMessage(account string, size int) {
	s := accountStats(account)
	atomic.AddInt64(&s.messages, 1)
	atomic.AddInt64(&s.bytes, int64(size))
}

func RecordReconnect(account string) {
	atomic.AddInt64(&accountStats(account).reconnects, 1)
}

func RecordChangeEvent()       { atomic.AddInt64(&changeEvents, 1) }
func RecordSummary()           { atomic.AddInt64(&summariesFlushed, 1) }
func RecordMalformedUpdate()   { atomic.AddInt64(&malformedUpdates, 1) }
func RecordDroppedOnShutdown() { atomic.AddInt64(&droppedOnShutdown, 1) }

func RecordDelivery(ok bool) {
	if ok {
		atomic.AddInt64(&deliveriesOK, 1)
		return
	}
	atomic.AddInt64(&deliveriesFailed, 1)
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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
				logReport(ctx, log)
			}
		}
	}()
}

func reportCounters() Fields {
	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	accountData := map[string]map[string]int64{}
	accounts.Range(func(k, v any) bool {
		as := v.(*accountStat)
		accountData[k.(string)] = map[string]int64{
			"messages":   atomic.LoadInt64(&as.messages),
			"bytes":      atomic.LoadInt64(&as.bytes),
			"reconnects": atomic.LoadInt64(&as.reconnects),
		}
		return true
	})

	return Fields{
		"change_events":       atomic.LoadInt64(&changeEvents),
		"summaries":           atomic.LoadInt64(&summariesFlushed),
		"deliveries_ok":       atomic.LoadInt64(&deliveriesOK),
		"deliveries_failed":   atomic.LoadInt64(&deliveriesFailed),
		"malformed_updates":   atomic.LoadInt64(&malformedUpdates),
		"dropped_on_shutdown": atomic.LoadInt64(&droppedOnShutdown),
		"components":          componentData,
		"accounts":            accountData,
	}
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats != nil {
		memUsed = memStats.Used
	}
	if diskStats != nil {
		diskUsed = diskStats.Used
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := reportCounters()
	fields["goroutines"] = runtime.NumGoroutine()
	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memUsed) / 1024 / 1024
	fields["disk_mb"] = int64(diskUsed) / 1024 / 1024
	fields["net_bytes_sent"] = int64(bytesSent)
	fields["net_bytes_recv"] = int64(bytesRecv)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name string, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields[key].(int64)))}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskUsed) / 1024 / 1024)},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
		count("ChangeEvents", "change_events"),
		count("Summaries", "summaries"),
		count("DeliveriesOK", "deliveries_ok"),
		count("DeliveriesFailed", "deliveries_failed"),
		count("MalformedUpdates", "malformed_updates"),
	}

	for name, stats := range fields["accounts"].(map[string]map[string]int64) {
		dims := []cwtypes.Dimension{{Name: aws.String("Account"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("StreamMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("StreamReconnects"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["reconnects"]))},
		)
	}

	publishMetrics(ctx, data)
}
