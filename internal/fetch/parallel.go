package fetch

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/mpdata/internal/export"
	"github.com/ajitpratap0/mpdata/internal/storage"
	"github.com/ajitpratap0/mpdata/internal/transport"
	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mperrors"
	"github.com/ajitpratap0/mpdata/pkg/mpmetrics"
)

const (
	maxProfileWorkers     = 5
	maxEventWorkers       = 10
	defaultWorkers        = 5
	budgetWarningRequests = 48
)

// ProgressFunc receives one ParallelFetchProgress per completed slice, in
// completion order (not shard order).
type ProgressFunc func(mixpanel.ParallelFetchProgress)

// ParallelFetcher shards a fetch across a worker pool that produces write
// tasks into a bounded queue drained by a single writer goroutine, so that
// StorageEngine's single-writer invariant holds regardless of how many
// workers read from the Provider concurrently (spec §4.7; grounded on the
// teacher's ParallelPipeline/ParallelProcessor split and on
// parallel_profile_fetcher.py's write-queue/writer-thread shape).
type ParallelFetcher struct {
	exporter  *export.Exporter
	transport *transport.Transport
	storage   *storage.Engine
	logger    *zap.Logger
}

// NewParallelFetcher returns a fetcher bound to exp, tr, and st.
func NewParallelFetcher(exp *export.Exporter, tr *transport.Transport, st *storage.Engine, logger *zap.Logger) *ParallelFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParallelFetcher{exporter: exp, transport: tr, storage: st, logger: logger}
}

// writeTask is what a slice worker hands to the single writer loop: either
// rows to persist, or a terminal error for a slice that never produced any.
type writeTask struct {
	sliceKey string
	events   []storage.EventRow
	profiles []storage.ProfileRow
	err      error
}

func clampWorkers(requested, limit int, logger *zap.Logger, kind string) int {
	workers := requested
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > limit {
		logger.Warn("requested worker count exceeds cap, reducing",
			zap.String("kind", kind), zap.Int("requested", requested), zap.Int("cap", limit))
		workers = limit
	}
	return workers
}

func warnIfOverBudget(logger *zap.Logger, budget string, expectedRequests int) {
	if expectedRequests > budgetWarningRequests {
		logger.Warn("expected request count exceeds 80% of the hourly budget",
			zap.String("budget", budget), zap.Int("expected_requests", expectedRequests), zap.Int("threshold", budgetWarningRequests))
	}
	mpmetrics.SetBudgetUsed(budget, expectedRequests)
}

// eventDays returns every calendar day in [from, to] inclusive, formatted
// "2006-01-02". Each day becomes one shard for event fetches.
func eventDays(from, to string) ([]string, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, mperrors.New(mperrors.TypeQueryError, fmt.Sprintf("invalid from date %q", from))
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return nil, mperrors.New(mperrors.TypeQueryError, fmt.Sprintf("invalid to date %q", to))
	}
	if end.Before(start) {
		return nil, mperrors.New(mperrors.TypeQueryError, "to date precedes from date")
	}
	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format("2006-01-02"))
	}
	return days, nil
}

// FetchEvents shards [from, to] into one slice per calendar day and fetches
// each day concurrently across workers (capped at maxEventWorkers),
// funneling all writes through a single writer loop. where, if set, is
// applied identically to every day's slice.
func (f *ParallelFetcher) FetchEvents(ctx context.Context, table, from, to string, eventNames []string, where string, appendMode, replace bool, workers int, onProgress ProgressFunc) (mixpanel.ParallelFetchResult, error) {
	days, err := eventDays(from, to)
	if err != nil {
		return mixpanel.ParallelFetchResult{}, err
	}
	if !appendMode {
		if err := f.storage.CreateTable(ctx, table, mixpanel.TableKindEvents, replace); err != nil {
			return mixpanel.ParallelFetchResult{}, err
		}
	}

	workers = clampWorkers(workers, maxEventWorkers, f.logger, "events")
	warnIfOverBudget(f.logger, "export", len(days))

	fetchSlice := func(ctx context.Context, day string) (writeTask, error) {
		lines, err := f.exporter.StreamEvents(ctx, day, day, eventNames, where, false)
		if err != nil {
			return writeTask{}, err
		}
		var rows []storage.EventRow
		for line := range lines {
			if line.Err != nil {
				return writeTask{}, line.Err
			}
			r := line.Record
			rows = append(rows, storage.EventRow{
				DistinctID: r.DistinctID,
				EventName:  r.EventName,
				EventTime:  r.EventTime,
				InsertID:   r.InsertID,
				Properties: r.Properties,
			})
		}
		return writeTask{sliceKey: day, events: rows}, nil
	}

	return f.run(ctx, table, workers, days, fetchSlice, onProgress), nil
}

// FetchProfiles probes page 0 to learn the Provider's total/page_size/
// session_id (spec §4.7), computes the remaining page count, and fetches
// pages [1, numPages) concurrently across workers (capped at
// maxProfileWorkers), reusing the page-0 session_id on every page. where,
// if set, is merged into filters as the engage "where" selector expression.
func (f *ParallelFetcher) FetchProfiles(ctx context.Context, table string, filters url.Values, where string, appendMode, replace bool, workers int, onProgress ProgressFunc) (mixpanel.ParallelFetchResult, error) {
	if !appendMode {
		if err := f.storage.CreateTable(ctx, table, mixpanel.TableKindProfiles, replace); err != nil {
			return mixpanel.ParallelFetchResult{}, err
		}
	}
	filters = cloneFilters(filters)
	if where != "" {
		filters.Set("where", where)
	}

	start := time.Now()
	page0, err := f.transport.QueryEngagePage(ctx, 0, "", cloneFilters(filters))
	if err != nil {
		// Fatal per spec §4.7 scenario F: no table created, no workers scheduled.
		return mixpanel.ParallelFetchResult{}, err
	}
	root, ok := page0.(map[string]interface{})
	if !ok {
		return mixpanel.ParallelFetchResult{}, mperrors.New(mperrors.TypeProtocolError, "engage page 0 is not a JSON object")
	}
	sessionID, _ := root["session_id"].(string)
	total := int(asFloatField(root["total"]))
	pageSize := int(asFloatField(root["page_size"]))

	firstRows, err := profileRows(root["results"])
	if err != nil {
		return mixpanel.ParallelFetchResult{}, err
	}
	n, writeErr := f.storage.AppendProfiles(ctx, table, firstRows)
	if writeErr != nil {
		return mixpanel.ParallelFetchResult{}, writeErr
	}
	mpmetrics.RecordRowsWritten(table, n)
	mpmetrics.RecordSliceOutcome(table, "success")
	if onProgress != nil {
		onProgress(mixpanel.ParallelFetchProgress{SliceKey: "page-0", SliceTotal: -1, Rows: n, Success: true})
	}

	numPages := 1
	if pageSize > 0 {
		numPages = int(math.Ceil(float64(total) / float64(pageSize)))
	}
	if numPages <= 1 {
		// Single-page fetch: spec §8 scenario 12 — return without scheduling more.
		return mixpanel.ParallelFetchResult{
			Table: table, TotalRows: n, SuccessfulSlices: 1,
			Duration: time.Since(start), FetchedAt: time.Now().UTC(),
		}, nil
	}

	var pages []string
	for p := 1; p < numPages; p++ {
		pages = append(pages, fmt.Sprintf("%d", p))
	}

	workers = clampWorkers(workers, maxProfileWorkers, f.logger, "profiles")
	warnIfOverBudget(f.logger, "query", numPages)

	fetchSlice := func(ctx context.Context, pageStr string) (writeTask, error) {
		var pageNum int
		fmt.Sscanf(pageStr, "%d", &pageNum)
		envelope, err := f.transport.QueryEngagePage(ctx, pageNum, sessionID, cloneFilters(filters))
		if err != nil {
			return writeTask{}, err
		}
		root, ok := envelope.(map[string]interface{})
		if !ok {
			return writeTask{}, mperrors.New(mperrors.TypeProtocolError, "engage page response is not a JSON object")
		}
		rows, err := profileRows(root["results"])
		if err != nil {
			return writeTask{}, err
		}
		return writeTask{sliceKey: pageStr, profiles: rows}, nil
	}

	result := f.run(ctx, table, workers, pages, fetchSlice, onProgress)
	result.TotalRows += n
	result.SuccessfulSlices++
	result.Duration = time.Since(start)
	return result, nil
}

func profileRows(raw interface{}) ([]storage.ProfileRow, error) {
	results, _ := raw.([]interface{})
	rows := make([]storage.ProfileRow, 0, len(results))
	for _, rowRaw := range results {
		rec, err := export.NormalizeProfile(rowRaw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, storage.ProfileRow{DistinctID: rec.DistinctID, Properties: rec.Properties, LastSeen: rec.LastSeen})
	}
	return rows, nil
}

func cloneFilters(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func asFloatField(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// run is the shared worker-pool/single-writer core for both event and
// profile fetches: slices is the complete, pre-computed shard list; every
// worker pulls from the same buffered channel, so a cancellation simply
// causes workers to mark whatever is still queued as failed rather than
// fetching it, satisfying "stop scheduling new slices" without needing a
// separate producer goroutine or unsent-slice bookkeeping.
func (f *ParallelFetcher) run(ctx context.Context, table string, workers int, slices []string, fetchSlice func(context.Context, string) (writeTask, error), onProgress ProgressFunc) mixpanel.ParallelFetchResult {
	start := time.Now()
	sliceCh := make(chan string, len(slices))
	for _, s := range slices {
		sliceCh <- s
	}
	close(sliceCh)

	writeCh := make(chan writeTask, workers*2)
	done := make(chan struct{})

	for i := 0; i < workers; i++ {
		go func() {
			for key := range sliceCh {
				if ctx.Err() != nil {
					writeCh <- writeTask{sliceKey: key, err: ctx.Err()}
					continue
				}
				task, err := fetchSlice(ctx, key)
				if err != nil {
					task = writeTask{sliceKey: key, err: err}
				}
				writeCh <- task
			}
			done <- struct{}{}
		}()
	}
	go func() {
		for i := 0; i < workers; i++ {
			<-done
		}
		close(writeCh)
	}()

	var totalRows int64
	var successful, failed int
	var failedKeys []string

	for task := range writeCh {
		if task.err != nil {
			failed++
			failedKeys = append(failedKeys, task.sliceKey)
			f.logger.Warn("slice failed", zap.String("slice", task.sliceKey), zap.Error(task.err))
			mpmetrics.RecordSliceOutcome(table, "failure")
			if onProgress != nil {
				onProgress(mixpanel.ParallelFetchProgress{SliceKey: task.sliceKey, SliceTotal: len(slices), Success: false, Error: task.err.Error()})
			}
			continue
		}

		var n int64
		var writeErr error
		switch {
		case task.events != nil:
			n, writeErr = f.storage.AppendEvents(ctx, table, task.events)
		case task.profiles != nil:
			n, writeErr = f.storage.AppendProfiles(ctx, table, task.profiles)
		}
		if writeErr != nil {
			failed++
			failedKeys = append(failedKeys, task.sliceKey)
			f.logger.Error("slice write failed", zap.String("slice", task.sliceKey), zap.Error(writeErr))
			mpmetrics.RecordSliceOutcome(table, "failure")
			if onProgress != nil {
				onProgress(mixpanel.ParallelFetchProgress{SliceKey: task.sliceKey, SliceTotal: len(slices), Success: false, Error: writeErr.Error()})
			}
			continue
		}

		successful++
		totalRows += n
		mpmetrics.RecordRowsWritten(table, n)
		mpmetrics.RecordSliceOutcome(table, "success")
		if onProgress != nil {
			onProgress(mixpanel.ParallelFetchProgress{SliceKey: task.sliceKey, SliceTotal: len(slices), Rows: n, Success: true})
		}
	}

	return mixpanel.ParallelFetchResult{
		Table:            table,
		TotalRows:        totalRows,
		SuccessfulSlices: successful,
		FailedSlices:     failed,
		FailedSliceKeys:  failedKeys,
		Duration:         time.Since(start),
		FetchedAt:        time.Now().UTC(),
	}
}
