package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricReposTotal       = "mrsetup.setup.repositories.total"
	metricChunksTotal      = "mrsetup.setup.chunks.total"
	metricFetchDuration    = "mrsetup.setup.fetch.duration.seconds"
	metricCacheHitsTotal   = "mrsetup.setup.cache.hits.total"
	metricCacheMissesTotal = "mrsetup.setup.cache.misses.total"

	attrCache = "cache"
)

// SetupMetrics holds OTel instruments for setup-run metrics.
type SetupMetrics struct {
	reposTotal    metric.Int64Counter
	chunksTotal   metric.Int64Counter
	fetchDuration metric.Float64Histogram
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
}

// SetupStats holds the statistics for a single setup run, decoupled from
// the resolver's own types.
type SetupStats struct {
	Repositories       int64
	Chunks             int
	FetchDurations     []time.Duration
	TreeCacheHits      int64
	TreeCacheMisses    int64
	ContentCacheHits   int64
	ContentCacheMisses int64
}

// NewSetupMetrics creates setup metric instruments from the given meter.
func NewSetupMetrics(mt metric.Meter) (*SetupMetrics, error) {
	b := newMetricBuilder(mt)

	sm := &SetupMetrics{
		reposTotal:    b.counter(metricReposTotal, "Total repositories resolved", "{repository}"),
		chunksTotal:   b.counter(metricChunksTotal, "Total content chunks stored", "{chunk}"),
		fetchDuration: b.histogram(metricFetchDuration, "Per-fetch duration in seconds", "s", durationBucketBoundaries...),
		cacheHits:     b.counter(metricCacheHitsTotal, "Cache hits by type", "{hit}"),
		cacheMisses:   b.counter(metricCacheMissesTotal, "Cache misses by type", "{miss}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return sm, nil
}

// RecordRun records statistics for a completed setup run.
// Safe to call on a nil receiver (no-op).
func (sm *SetupMetrics) RecordRun(ctx context.Context, stats SetupStats) {
	if sm == nil {
		return
	}

	sm.reposTotal.Add(ctx, stats.Repositories)
	sm.chunksTotal.Add(ctx, int64(stats.Chunks))

	for _, d := range stats.FetchDurations {
		sm.fetchDuration.Record(ctx, d.Seconds())
	}

	treeAttrs := metric.WithAttributes(attribute.String(attrCache, "tree"))
	sm.cacheHits.Add(ctx, stats.TreeCacheHits, treeAttrs)
	sm.cacheMisses.Add(ctx, stats.TreeCacheMisses, treeAttrs)

	contentAttrs := metric.WithAttributes(attribute.String(attrCache, "content"))
	sm.cacheHits.Add(ctx, stats.ContentCacheHits, contentAttrs)
	sm.cacheMisses.Add(ctx, stats.ContentCacheMisses, contentAttrs)
}
