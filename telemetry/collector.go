package telemetry

import (
	"sync"
	"time"
)

// StatsProvider interface for components that provide stats
type StatsProvider interface {
	ChannelStats() (openChannels, activeConsumers int)
}

// JournalStatsProvider is implemented by providers with a journal attached
type JournalStatsProvider interface {
	JournalEntryCount() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	channels, consumers := mc.provider.ChannelStats()
	ChannelsOpen.Set(float64(channels))
	ConsumersActive.Set(float64(consumers))

	if jp, ok := mc.provider.(JournalStatsProvider); ok {
		JournalEntries.Set(float64(jp.JournalEntryCount()))
	}
}
