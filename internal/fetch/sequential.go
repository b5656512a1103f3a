// Package fetch drives records from StreamingExport into StorageEngine.
// SequentialFetcher consumes a single stream and writes in batch order;
// ParallelFetcher shards the same work across a worker pool feeding one
// writer goroutine, per the teacher's internal/pipeline package split
// between SimplePipeline and ParallelPipeline.
package fetch

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/mpdata/internal/export"
	"github.com/ajitpratap0/mpdata/internal/storage"
	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mpmetrics"
)

// DefaultBatchSize is the number of records accumulated before a batch is
// flushed to StorageEngine.
const DefaultBatchSize = 1000

// SequentialFetcher reads a StreamingExport sequence one record at a time,
// accumulates it into fixed-size batches, and appends each batch to a
// target table. It has no parallelism and no write contention to manage:
// there is exactly one goroutine and one writer.
type SequentialFetcher struct {
	exporter  *export.Exporter
	storage   *storage.Engine
	batchSize int
	logger    *zap.Logger
}

// NewSequentialFetcher returns a fetcher bound to exp and st, batching
// DefaultBatchSize records per write.
func NewSequentialFetcher(exp *export.Exporter, st *storage.Engine, logger *zap.Logger) *SequentialFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SequentialFetcher{exporter: exp, storage: st, batchSize: DefaultBatchSize, logger: logger}
}

// FetchEvents creates (or appends to) table, streams every event in
// [from, to] matching eventNames (nil means all events) and the optional
// where expression, and writes it in batches of f.batchSize. Always fetches
// normalized records (raw=false), since storage rows have a fixed schema.
// On error the partial table is preserved and the error is returned as-is.
func (f *SequentialFetcher) FetchEvents(ctx context.Context, table, from, to string, eventNames []string, where string, appendMode, replace bool) (mixpanel.FetchResult, error) {
	start := time.Now()
	if !appendMode {
		if err := f.storage.CreateTable(ctx, table, mixpanel.TableKindEvents, replace); err != nil {
			return mixpanel.FetchResult{}, err
		}
	}

	lines, err := f.exporter.StreamEvents(ctx, from, to, eventNames, where, false)
	if err != nil {
		return mixpanel.FetchResult{}, err
	}

	var total int64
	batch := make([]storage.EventRow, 0, f.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := f.storage.AppendEvents(ctx, table, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for line := range lines {
		if line.Err != nil {
			return mixpanel.FetchResult{Table: table, RowCount: total, Duration: time.Since(start), FetchedAt: time.Now().UTC()}, line.Err
		}
		r := line.Record
		batch = append(batch, storage.EventRow{
			DistinctID: r.DistinctID,
			EventName:  r.EventName,
			EventTime:  r.EventTime,
			InsertID:   r.InsertID,
			Properties: r.Properties,
		})
		if len(batch) >= f.batchSize {
			if err := flush(); err != nil {
				return mixpanel.FetchResult{Table: table, RowCount: total, Duration: time.Since(start), FetchedAt: time.Now().UTC()}, err
			}
		}
	}
	if err := flush(); err != nil {
		return mixpanel.FetchResult{Table: table, RowCount: total, Duration: time.Since(start), FetchedAt: time.Now().UTC()}, err
	}

	f.logger.Info("sequential event fetch complete", zap.String("table", table), zap.Int64("rows", total))
	mpmetrics.RecordSliceOutcome(table, "success")
	return mixpanel.FetchResult{Table: table, RowCount: total, Duration: time.Since(start), FetchedAt: time.Now().UTC()}, nil
}

// FetchProfiles creates (or appends to) table and streams every profile
// page matching filters and the optional where expression, reusing the
// Provider's session_id across pages via export.Exporter, writing in
// batches of f.batchSize. Always fetches normalized records (raw=false).
func (f *SequentialFetcher) FetchProfiles(ctx context.Context, table string, filters url.Values, where string, appendMode, replace bool) (mixpanel.FetchResult, error) {
	start := time.Now()
	if !appendMode {
		if err := f.storage.CreateTable(ctx, table, mixpanel.TableKindProfiles, replace); err != nil {
			return mixpanel.FetchResult{}, err
		}
	}

	lines, err := f.exporter.StreamProfiles(ctx, filters, where, false)
	if err != nil {
		return mixpanel.FetchResult{}, err
	}

	var total int64
	batch := make([]storage.ProfileRow, 0, f.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := f.storage.AppendProfiles(ctx, table, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for line := range lines {
		if line.Err != nil {
			return mixpanel.FetchResult{Table: table, RowCount: total, Duration: time.Since(start), FetchedAt: time.Now().UTC()}, line.Err
		}
		r := line.Record
		batch = append(batch, storage.ProfileRow{DistinctID: r.DistinctID, Properties: r.Properties, LastSeen: r.LastSeen})
		if len(batch) >= f.batchSize {
			if err := flush(); err != nil {
				return mixpanel.FetchResult{Table: table, RowCount: total, Duration: time.Since(start), FetchedAt: time.Now().UTC()}, err
			}
		}
	}
	if err := flush(); err != nil {
		return mixpanel.FetchResult{Table: table, RowCount: total, Duration: time.Since(start), FetchedAt: time.Now().UTC()}, err
	}

	f.logger.Info("sequential profile fetch complete", zap.String("table", table), zap.Int64("rows", total))
	mpmetrics.RecordSliceOutcome(table, "success")
	return mixpanel.FetchResult{Table: table, RowCount: total, Duration: time.Since(start), FetchedAt: time.Now().UTC()}, nil
}
