package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsDelta    int64
	errorsSnapshot int64
	warnsDelta     int64
	warnsSnapshot  int64
	deltaReads     int64
	snapshotReads  int64
	deltasApplied  int64
	deltasSkipped  int64
	sequenceGaps   int64
	resyncs        int64
	malformedDrops int64
	staleSnapshots int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "delta") {
		atomic.AddInt64(&warnsDelta, 1)
	} else if strings.Contains(component, "snapshot") {
		atomic.AddInt64(&warnsSnapshot, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "delta") {
		atomic.AddInt64(&errorsDelta, 1)
	} else if strings.Contains(component, "snapshot") {
		atomic.AddInt64(&errorsSnapshot, 1)
	}
}

func IncrementDeltaRead(size int) {
	atomic.AddInt64(&deltaReads, 1)
	recordChannel("delta_ws", size)
}

func IncrementSnapshotRead(size int) {
	atomic.AddInt64(&snapshotReads, 1)
	recordChannel("snapshot_rest", size)
}

func IncrementDeltaApplied() {
	atomic.AddInt64(&deltasApplied, 1)
}

func IncrementDeltaSkipped() {
	atomic.AddInt64(&deltasSkipped, 1)
}

func IncrementSequenceGap() {
	atomic.AddInt64(&sequenceGaps, 1)
}

func IncrementResync() {
	atomic.AddInt64(&resyncs, 1)
}

func IncrementMalformedDrop() {
	atomic.AddInt64(&malformedDrops, 1)
}

func IncrementStaleSnapshot() {
	atomic.AddInt64(&staleSnapshots, 1)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and synchronization
// statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsedMB := int64(0)
	if memStats != nil {
		memUsedMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_delta":    atomic.LoadInt64(&errorsDelta),
		"errors_snapshot": atomic.LoadInt64(&errorsSnapshot),
		"warns_delta":     atomic.LoadInt64(&warnsDelta),
		"warns_snapshot":  atomic.LoadInt64(&warnsSnapshot),
		"delta_reads":     atomic.LoadInt64(&deltaReads),
		"snapshot_reads":  atomic.LoadInt64(&snapshotReads),
		"deltas_applied":  atomic.LoadInt64(&deltasApplied),
		"deltas_skipped":  atomic.LoadInt64(&deltasSkipped),
		"sequence_gaps":   atomic.LoadInt64(&sequenceGaps),
		"resyncs":         atomic.LoadInt64(&resyncs),
		"malformed_drops": atomic.LoadInt64(&malformedDrops),
		"stale_snapshots": atomic.LoadInt64(&staleSnapshots),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       memUsedMB,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsedMB))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-DeltaReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["delta_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-SnapshotReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["snapshot_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-DeltasApplied"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["deltas_applied"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-DeltasSkipped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["deltas_skipped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-SequenceGaps"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sequence_gaps"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-Resyncs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["resyncs"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-MalformedDrops"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["malformed_drops"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-StaleSnapshots"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stale_snapshots"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-ErrorsDelta"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_delta"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Bookflow-ErrorsSnapshot"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_snapshot"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Bookflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Bookflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
