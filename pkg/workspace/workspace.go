// Package workspace is the composition root a caller actually uses:
// resolve credentials, wire one Transport and one StorageEngine, and
// expose every live query, streaming export, and fetch operation through
// a single facade. Grounded on the teacher's cmd/nebula/main.go
// runPipeline, which plays the same role — compose config, logger,
// source, destination, pipeline — for a single run rather than a
// long-lived facade.
package workspace

import (
	"context"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/mpdata/internal/export"
	"github.com/ajitpratap0/mpdata/internal/fetch"
	"github.com/ajitpratap0/mpdata/internal/livequery"
	"github.com/ajitpratap0/mpdata/internal/storage"
	"github.com/ajitpratap0/mpdata/internal/transport"
	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mpconfig"
	"github.com/ajitpratap0/mpdata/pkg/mplogger"
)

// Workspace owns the Transport and StorageEngine for one local database
// and exposes every live query, streaming export, and fetch operation
// bound to them.
type Workspace struct {
	Credentials mixpanel.Credentials

	transport *transport.Transport
	storage   *storage.Engine

	LiveQueries *livequery.Service
	exporter    *export.Exporter
	sequential  *fetch.SequentialFetcher
	parallel    *fetch.ParallelFetcher

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Workspace at Open time.
type Option func(*options)

type options struct {
	configFile  string
	credentials *mixpanel.Credentials
	logger      *zap.Logger
	transport   []transport.Option
}

// WithConfigFile points credential resolution at a YAML config file to
// fall back to when the environment variables are not all set.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configFile = path }
}

// WithCredentials bypasses resolution entirely and uses creds as-is.
func WithCredentials(creds mixpanel.Credentials) Option {
	return func(o *options) { o.credentials = &creds }
}

// WithLogger sets the zap logger passed to the sequential and parallel
// fetchers. Defaults to mplogger.Named("workspace").
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransportOptions passes through additional transport.Option values,
// e.g. transport.WithBaseURLs for talking to a test double.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transport = append(o.transport, opts...) }
}

// Open resolves credentials (environment variables override a configured
// account, per spec §6), opens the local store at dbPath, and wires every
// internal component. dbPath may be ":memory:" for an ephemeral store.
func Open(dbPath string, opts ...Option) (*Workspace, error) {
	cfg := &options{logger: mplogger.Named("workspace")}
	for _, opt := range opts {
		opt(cfg)
	}

	creds := mixpanel.Credentials{}
	if cfg.credentials != nil {
		creds = *cfg.credentials
	} else {
		resolved, err := mpconfig.Resolve(cfg.configFile)
		if err != nil {
			return nil, err
		}
		creds = resolved
	}

	tr := transport.New(creds, cfg.transport...)
	st, err := storage.Open(dbPath)
	if err != nil {
		tr.Close()
		return nil, err
	}

	exp := export.New(tr)
	ws := &Workspace{
		Credentials: creds,
		transport:   tr,
		storage:     st,
		LiveQueries: livequery.New(tr),
		exporter:    exp,
		sequential:  fetch.NewSequentialFetcher(exp, st, cfg.logger),
		parallel:    fetch.NewParallelFetcher(exp, tr, st, cfg.logger),
	}
	return ws, nil
}

// Close releases the Transport's connection pool and the StorageEngine's
// database handle exactly once, regardless of how many times it is
// called.
func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		if err := w.storage.Close(); err != nil {
			w.closeErr = err
		}
		if err := w.transport.Close(); err != nil && w.closeErr == nil {
			w.closeErr = err
		}
	})
	return w.closeErr
}

// StreamEvents yields every event in [from, to] matching the optional where
// expression lazily; the channel closes at end-of-stream or when ctx is
// cancelled. raw=true yields the Provider's envelope undecoded beyond JSON
// parsing; raw=false yields normalized records.
func (w *Workspace) StreamEvents(ctx context.Context, from, to string, eventNames []string, where string, raw bool) (<-chan export.EventLine, error) {
	return w.exporter.StreamEvents(ctx, from, to, eventNames, where, raw)
}

// StreamProfiles yields every profile matching filters and the optional
// where expression lazily. raw=true yields the Provider's envelope
// undecoded beyond JSON parsing; raw=false yields normalized records.
func (w *Workspace) StreamProfiles(ctx context.Context, filters url.Values, where string, raw bool) (<-chan export.ProfileLine, error) {
	return w.exporter.StreamProfiles(ctx, filters, where, raw)
}

// FetchEvents fetches events into table, sequentially or in parallel.
// workers and onProgress are only consulted when parallel is true.
func (w *Workspace) FetchEvents(ctx context.Context, table, from, to string, eventNames []string, where string, append, replace, parallel bool, workers int, onProgress fetch.ProgressFunc) (mixpanel.FetchResult, mixpanel.ParallelFetchResult, error) {
	if !parallel {
		r, err := w.sequential.FetchEvents(ctx, table, from, to, eventNames, where, append, replace)
		return r, mixpanel.ParallelFetchResult{}, err
	}
	r, err := w.parallel.FetchEvents(ctx, table, from, to, eventNames, where, append, replace, workers, onProgress)
	return mixpanel.FetchResult{}, r, err
}

// FetchProfiles fetches profiles into table, sequentially or in parallel.
func (w *Workspace) FetchProfiles(ctx context.Context, table string, filters url.Values, where string, append, replace, parallel bool, workers int, onProgress fetch.ProgressFunc) (mixpanel.FetchResult, mixpanel.ParallelFetchResult, error) {
	if !parallel {
		r, err := w.sequential.FetchProfiles(ctx, table, filters, where, append, replace)
		return r, mixpanel.ParallelFetchResult{}, err
	}
	r, err := w.parallel.FetchProfiles(ctx, table, filters, where, append, replace, workers, onProgress)
	return mixpanel.FetchResult{}, r, err
}

// CreateTable is a pass-through to StorageEngine, exposed for callers that
// want to prepare a table before streaming writes to it manually.
func (w *Workspace) CreateTable(ctx context.Context, name string, kind mixpanel.TableKind, replace bool) error {
	return w.storage.CreateTable(ctx, name, kind, replace)
}

// DropTable drops one table.
func (w *Workspace) DropTable(ctx context.Context, name string) error {
	return w.storage.DropTable(ctx, name)
}

// DropAll drops every table of kindFilter, or every table if kindFilter is
// empty.
func (w *Workspace) DropAll(ctx context.Context, kindFilter mixpanel.TableKind) error {
	return w.storage.DropAll(ctx, kindFilter)
}

// ListTables lists every table, optionally restricted to kindFilter.
func (w *Workspace) ListTables(ctx context.Context, kindFilter mixpanel.TableKind) ([]mixpanel.TableMetadata, error) {
	return w.storage.ListTables(ctx, kindFilter)
}

// Schema returns table's column names and declared types.
func (w *Workspace) Schema(ctx context.Context, table string) ([][2]string, error) {
	return w.storage.Schema(ctx, table)
}

// Sample returns up to n rows from table.
func (w *Workspace) Sample(ctx context.Context, table string, n int) ([]map[string]interface{}, error) {
	return w.storage.Sample(ctx, table, n)
}

// Summarize returns per-column statistics for table.
func (w *Workspace) Summarize(ctx context.Context, table string) ([]storage.ColumnStats, error) {
	return w.storage.Summarize(ctx, table)
}

// ColumnStats returns statistics for one column of table.
func (w *Workspace) ColumnStats(ctx context.Context, table, column string) (storage.ColumnStats, error) {
	return w.storage.ColumnStats(ctx, table, column)
}

// JSONKeys returns the union of top-level keys found in a JSON column
// across every row of table.
func (w *Workspace) JSONKeys(ctx context.Context, table, column string) ([]string, error) {
	return w.storage.JSONKeys(ctx, table, column)
}

// SQL executes an arbitrary read query against the local store.
func (w *Workspace) SQL(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return w.storage.SQL(ctx, query, args...)
}

// SQLScalar executes an arbitrary read query and returns its first column,
// first row.
func (w *Workspace) SQLScalar(ctx context.Context, query string, args ...interface{}) (interface{}, error) {
	return w.storage.SQLScalar(ctx, query, args...)
}
