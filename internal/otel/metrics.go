package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all context-store metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	SyncDuration       metric.Float64Histogram
	SyncErrors         metric.Int64Counter
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	VersionConflicts   metric.Int64Counter
	ConflictsResolved  metric.Int64Counter
	SessionsRecovered  metric.Int64Counter
	CheckpointsCreated metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("ctxstore.request.duration",
		metric.WithDescription("Tool request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("ctxstore.sync.duration",
		metric.WithDescription("Hot-context sync duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncErrors, err = meter.Int64Counter("ctxstore.sync.errors",
		metric.WithDescription("Per-artifact sync failures"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("ctxstore.cache.hits",
		metric.WithDescription("Hot cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("ctxstore.cache.misses",
		metric.WithDescription("Hot cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.VersionConflicts, err = meter.Int64Counter("ctxstore.version.conflicts",
		metric.WithDescription("Optimistic concurrency conflicts on task updates"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsResolved, err = meter.Int64Counter("ctxstore.conflicts.resolved",
		metric.WithDescription("Context conflicts transitioned to a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsRecovered, err = meter.Int64Counter("ctxstore.sessions.recovered",
		metric.WithDescription("Sessions acknowledged as recovered"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointsCreated, err = meter.Int64Counter("ctxstore.checkpoints.created",
		metric.WithDescription("Checkpoints created, manual and automatic"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("ctxstore.sessions.active",
		metric.WithDescription("Currently open sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
