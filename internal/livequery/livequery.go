// Package livequery implements one method per Provider live-query endpoint:
// segmentation, funnels, retention, frequency, numeric aggregations,
// activity feeds, saved-report execution, schema discovery, and the JQL
// scripting pass-through. Each method issues exactly one request through
// Transport, then shapes the response with internal/shaping.
//
// Four contracts are deliberately fixed relative to an earlier, broken
// revision of this client: activity_feed never uses the scripting engine's
// nonexistent .take(n) combinator; Frequency calls the frequency endpoint,
// not segmentation; ListProperties without an event name fetches profile
// properties, not event properties; ListSavedReports enforces a 1 MiB
// response ceiling and supports paging.
package livequery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	goccyjson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/mpdata/internal/shaping"
	"github.com/ajitpratap0/mpdata/internal/transport"
	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mperrors"
	"github.com/ajitpratap0/mpdata/pkg/mplogger"
)

// maxSavedReportBytes bounds the saved-report response envelope client-side
// (spec §4.4): the Provider does not itself cap bookmark result size.
const maxSavedReportBytes = 1 << 20

var validSegmentationUnits = map[mixpanel.TimeUnit]bool{
	mixpanel.UnitMinute: true,
	mixpanel.UnitHour:   true,
	mixpanel.UnitDay:    true,
	mixpanel.UnitWeek:   true,
	mixpanel.UnitMonth:  true,
}

var validRetentionUnits = map[mixpanel.TimeUnit]bool{
	mixpanel.UnitDay:   true,
	mixpanel.UnitWeek:  true,
	mixpanel.UnitMonth: true,
}

var validFrequencyGranularity = map[mixpanel.TimeUnit]bool{
	mixpanel.UnitHour: true,
	mixpanel.UnitDay:  true,
}

// Service issues live queries against the Provider through Transport.
type Service struct {
	transport *transport.Transport
	logger    *zap.Logger
}

// New returns a Service bound to t.
func New(t *transport.Transport) *Service {
	return &Service{transport: t, logger: mplogger.Named("livequery")}
}

func invalidUnit(op string, unit mixpanel.TimeUnit) error {
	return mperrors.New(mperrors.TypeQueryError, fmt.Sprintf("%s: unit %q is not valid for this endpoint", op, unit))
}

// Segmentation computes /query/segmentation.
func (s *Service) Segmentation(ctx context.Context, event, from, to string, unit mixpanel.TimeUnit, segmentBy string) (mixpanel.SegmentationResult, error) {
	if !validSegmentationUnits[unit] {
		return mixpanel.SegmentationResult{}, invalidUnit("segmentation", unit)
	}
	params := url.Values{"event": {event}, "from_date": {from}, "to_date": {to}, "unit": {string(unit)}}
	if segmentBy != "" {
		params.Set("on", segmentBy)
	}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/segmentation", params, nil)
	if err != nil {
		return mixpanel.SegmentationResult{}, err
	}
	return shaping.Segmentation(raw, event, from, to, unit, segmentBy)
}

// NumericBucket computes /query/segmentation/numeric.
func (s *Service) NumericBucket(ctx context.Context, event, from, to, propertyExpr string, unit mixpanel.TimeUnit) (mixpanel.NumericBucketResult, error) {
	params := url.Values{"event": {event}, "from_date": {from}, "to_date": {to}, "unit": {string(unit)}, "on": {propertyExpr}}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/segmentation/numeric", params, nil)
	if err != nil {
		return mixpanel.NumericBucketResult{}, err
	}
	return shaping.NumericBucket(raw, event, from, to, propertyExpr, unit)
}

// NumericSum computes /query/segmentation/sum.
func (s *Service) NumericSum(ctx context.Context, event, from, to, propertyExpr string, unit mixpanel.TimeUnit) (mixpanel.NumericSumResult, error) {
	params := url.Values{"event": {event}, "from_date": {from}, "to_date": {to}, "unit": {string(unit)}, "on": {propertyExpr}}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/segmentation/sum", params, nil)
	if err != nil {
		return mixpanel.NumericSumResult{}, err
	}
	return shaping.NumericSum(raw, event, from, to, propertyExpr, unit)
}

// NumericAverage computes /query/segmentation/average.
func (s *Service) NumericAverage(ctx context.Context, event, from, to, propertyExpr string, unit mixpanel.TimeUnit) (mixpanel.NumericAverageResult, error) {
	params := url.Values{"event": {event}, "from_date": {from}, "to_date": {to}, "unit": {string(unit)}, "on": {propertyExpr}}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/segmentation/average", params, nil)
	if err != nil {
		return mixpanel.NumericAverageResult{}, err
	}
	return shaping.NumericAverage(raw, event, from, to, propertyExpr, unit)
}

// MultiSegmentation computes /query/segmentation/multi, one count series per
// event in events. The event list is serialized as a JSON array rather than
// a repeated query parameter: this endpoint, unlike the rest of the
// segmentation family, expects its "event" parameter to be a JSON-encoded
// array of names.
func (s *Service) MultiSegmentation(ctx context.Context, events []string, from, to string, unit mixpanel.TimeUnit) (mixpanel.MultiSegmentationResult, error) {
	if !validSegmentationUnits[unit] {
		return mixpanel.MultiSegmentationResult{}, invalidUnit("segmentation/multi", unit)
	}
	eventsJSON, err := goccyjson.Marshal(events)
	if err != nil {
		return mixpanel.MultiSegmentationResult{}, mperrors.Wrap(err, mperrors.TypeQueryError, "failed to encode event list")
	}
	params := url.Values{"event": {string(eventsJSON)}, "from_date": {from}, "to_date": {to}, "unit": {string(unit)}}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/segmentation/multi", params, nil)
	if err != nil {
		return mixpanel.MultiSegmentationResult{}, err
	}
	return shaping.MultiSegmentation(raw, events, from, to, unit)
}

// Funnel computes /query/funnels.
func (s *Service) Funnel(ctx context.Context, funnelID int64, from, to string) (mixpanel.FunnelResult, error) {
	params := url.Values{"funnel_id": {strconv.FormatInt(funnelID, 10)}, "from_date": {from}, "to_date": {to}}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/funnels", params, nil)
	if err != nil {
		return mixpanel.FunnelResult{}, err
	}
	return shaping.Funnel(raw, funnelID, "", from, to)
}

// ListFunnels lists defined funnels via /query/funnels/list.
func (s *Service) ListFunnels(ctx context.Context) ([]FunnelSummary, error) {
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/funnels/list", nil, nil)
	if err != nil {
		return nil, err
	}
	rows, ok := raw.([]interface{})
	if !ok {
		return nil, mperrors.New(mperrors.TypeProtocolError, "funnels/list response is not a JSON array")
	}
	out := make([]FunnelSummary, 0, len(rows))
	for _, rowRaw := range rows {
		row, ok := rowRaw.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, FunnelSummary{
			FunnelID: int64(asFloat(row["funnel_id"])),
			Name:     asString(row["name"]),
		})
	}
	return out, nil
}

// FunnelSummary is one entry of ListFunnels.
type FunnelSummary struct {
	FunnelID int64
	Name     string
}

// Retention computes /query/retention.
func (s *Service) Retention(ctx context.Context, bornEvent, returnEvent, from, to string, interval mixpanel.TimeUnit, intervalCount int) (mixpanel.RetentionResult, error) {
	if !validRetentionUnits[interval] {
		return mixpanel.RetentionResult{}, invalidUnit("retention", interval)
	}
	params := url.Values{
		"born_event": {bornEvent}, "from_date": {from}, "to_date": {to},
		"retention_type": {"birth"}, "interval": {string(interval)},
	}
	if returnEvent != "" {
		params.Set("event", returnEvent)
	}
	if intervalCount > 0 {
		params.Set("interval_count", strconv.Itoa(intervalCount))
	}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/retention", params, nil)
	if err != nil {
		return mixpanel.RetentionResult{}, err
	}
	return shaping.Retention(raw, bornEvent, returnEvent, from, to, interval)
}

// Frequency computes the addiction-curve query. It must call the dedicated
// frequency endpoint (/query/retention/properties with retention_type
// addiction) rather than segmentation — an earlier revision of this client
// routed frequency requests to /query/segmentation, silently returning the
// wrong shape.
func (s *Service) Frequency(ctx context.Context, event, from, to string, outer, granularity mixpanel.TimeUnit) (mixpanel.FrequencyResult, error) {
	if !validRetentionUnits[outer] {
		return mixpanel.FrequencyResult{}, invalidUnit("frequency (outer unit)", outer)
	}
	if !validFrequencyGranularity[granularity] {
		return mixpanel.FrequencyResult{}, invalidUnit("frequency (granularity)", granularity)
	}
	params := url.Values{
		"from_date": {from}, "to_date": {to},
		"retention_type": {"addiction"}, "unit": {string(outer)}, "addiction_unit": {string(granularity)},
	}
	if event != "" {
		params.Set("event", event)
	}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/retention/properties", params, nil)
	if err != nil {
		return mixpanel.FrequencyResult{}, err
	}
	return shaping.Frequency(raw, event, from, to, outer, granularity)
}

// ListEventNames lists distinct event names via /query/events/names.
func (s *Service) ListEventNames(ctx context.Context) ([]string, error) {
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/events/names", url.Values{"type": {"general"}}, nil)
	if err != nil {
		return nil, err
	}
	return stringSlice(raw, "events/names")
}

// ListEventProperties lists property names for event via
// /query/events/properties.
func (s *Service) ListEventProperties(ctx context.Context, event string) ([]string, error) {
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/events/properties", url.Values{"event": {event}}, nil)
	if err != nil {
		return nil, err
	}
	return stringSlice(raw, "events/properties")
}

// ListPropertyValues samples values for one event property via
// /query/events/properties/values.
func (s *Service) ListPropertyValues(ctx context.Context, event, property string, limit int) ([]string, error) {
	params := url.Values{"event": {event}, "name": {property}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/events/properties/values", params, nil)
	if err != nil {
		return nil, err
	}
	return stringSlice(raw, "events/properties/values")
}

// TopEvents lists the most frequent events via /query/events/top.
func (s *Service) TopEvents(ctx context.Context, limit int) ([]string, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/events/top", params, nil)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]interface{})
	if !ok {
		return nil, mperrors.New(mperrors.TypeProtocolError, "events/top response is not a JSON object")
	}
	events := make([]string, 0, len(root))
	for name := range root {
		events = append(events, name)
	}
	return events, nil
}

// ListProperties returns profile properties when event is empty, or event
// properties when event is set. An earlier revision of this client always
// called the event-property endpoint, so listing profile properties (the
// common case for building a segmentation "on" expression against a user
// trait) silently returned an empty list.
func (s *Service) ListProperties(ctx context.Context, event string) ([]string, error) {
	if event == "" {
		raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/engage/properties", nil, nil)
		if err != nil {
			return nil, err
		}
		return stringSlice(raw, "engage/properties")
	}
	return s.ListEventProperties(ctx, event)
}

// ActivityFeed fetches recent events for a set of distinct ids via the JQL
// scripting endpoint, using a reducer-based cap on result size. An earlier
// revision called `.take(n)` on the event stream, which does not exist on
// this Provider's JQL runtime and always failed with a QueryError; the fix
// caps results inside the reduce step instead.
func (s *Service) ActivityFeed(ctx context.Context, distinctIDs []string, from, to string, limit int) (mixpanel.ActivityFeedResult, error) {
	if limit <= 0 {
		limit = 100
	}
	script := activityFeedScript(distinctIDs, from, to, limit)
	raw, err := s.RunScript(ctx, script, map[string]interface{}{"from_date": from, "to_date": to})
	if err != nil {
		return mixpanel.ActivityFeedResult{}, err
	}
	return shaping.ActivityFeed(raw, distinctIDs, from, to)
}

func activityFeedScript(distinctIDs []string, from, to string, limit int) string {
	ids := make([]string, len(distinctIDs))
	for i, id := range distinctIDs {
		ids[i] = strconv.Quote(id)
	}
	return fmt.Sprintf(`function main() {
  return Events({from_date: params.from_date, to_date: params.to_date})
    .filter(function(e) { return [%s].indexOf(e.distinct_id) !== -1; })
    .reduce(mixpanel.reducer.null_reducer(), function(acc, e, meta) {
      if (meta.index < %d) { acc.push(e); }
      return acc;
    });
}`, strings.Join(ids, ","), limit)
}

// RunScript issues an arbitrary JQL script via POST /query/jql. The
// response shape is caller-defined; it is returned as a raw decoded JSON
// value. Supplemented from original_source's API client, which exposes
// this as runScript and builds activity_feed and composed cohort tooling
// on top of it.
func (s *Service) RunScript(ctx context.Context, script string, params map[string]interface{}) (interface{}, error) {
	body := map[string]interface{}{"script": script}
	if params != nil {
		body["params"] = params
	}
	return s.transport.Request(ctx, transport.HostQuery, http.MethodPost, "/2.0/jql", nil, body)
}

// SavedReport executes a bookmark via /2.0/insights (a query on a saved
// report id). Projection lets the caller request a subset of series to
// keep the envelope under the 1 MiB ceiling for very wide reports.
func (s *Service) SavedReport(ctx context.Context, bookmarkID int64, from, to string, projection []string) (mixpanel.SavedReportResult, error) {
	params := url.Values{"bookmark_id": {strconv.FormatInt(bookmarkID, 10)}}
	if from != "" {
		params.Set("from_date", from)
	}
	if to != "" {
		params.Set("to_date", to)
	}
	for _, p := range projection {
		params.Add("project", p)
	}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/insights", params, nil)
	if err != nil {
		return mixpanel.SavedReportResult{}, err
	}
	return shaping.SavedReport(raw, bookmarkID, "insights", from, to)
}

// ListSavedReports lists bookmarks via /query/bookmarks/list, paged at
// pageSize per page, and enforces a 1 MiB ceiling on the aggregate response
// client-side — the Provider does not itself bound bookmark listing size,
// and an unbounded workspace can return an envelope large enough to stall
// a caller expecting a bounded response.
func (s *Service) ListSavedReports(ctx context.Context, page, pageSize int) ([]SavedReportSummary, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	params := url.Values{"page": {strconv.Itoa(page)}, "page_size": {strconv.Itoa(pageSize)}}
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/bookmarks/list", params, nil)
	if err != nil {
		return nil, err
	}

	if size := approximateJSONSize(raw); size > maxSavedReportBytes {
		s.logger.Warn("saved report listing exceeded size ceiling", zap.Int("size", size), zap.Int("page", page), zap.Int("page_size", pageSize))
		return nil, mperrors.New(mperrors.TypeProtocolError, fmt.Sprintf("bookmarks/list response of %d bytes exceeds the %d byte ceiling; reduce page_size", size, maxSavedReportBytes))
	}

	rows, ok := raw.([]interface{})
	if !ok {
		return nil, mperrors.New(mperrors.TypeProtocolError, "bookmarks/list response is not a JSON array")
	}
	out := make([]SavedReportSummary, 0, len(rows))
	for _, rowRaw := range rows {
		row, ok := rowRaw.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, SavedReportSummary{
			BookmarkID: int64(asFloat(row["id"])),
			Name:       asString(row["name"]),
			ReportType: asString(row["type"]),
		})
	}
	return out, nil
}

// SavedReportSummary is one entry of ListSavedReports.
type SavedReportSummary struct {
	BookmarkID int64
	Name       string
	ReportType string
}

// ListCohorts lists defined cohorts via /query/cohorts/list.
func (s *Service) ListCohorts(ctx context.Context) ([]CohortSummary, error) {
	raw, err := s.transport.Request(ctx, transport.HostQuery, http.MethodGet, "/2.0/cohorts/list", nil, nil)
	if err != nil {
		return nil, err
	}
	rows, ok := raw.([]interface{})
	if !ok {
		return nil, mperrors.New(mperrors.TypeProtocolError, "cohorts/list response is not a JSON array")
	}
	out := make([]CohortSummary, 0, len(rows))
	for _, rowRaw := range rows {
		row, ok := rowRaw.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, CohortSummary{ID: int64(asFloat(row["id"])), Name: asString(row["name"])})
	}
	return out, nil
}

// CohortSummary is one entry of ListCohorts.
type CohortSummary struct {
	ID   int64
	Name string
}

func stringSlice(raw interface{}, endpoint string) ([]string, error) {
	rows, ok := raw.([]interface{})
	if !ok {
		return nil, mperrors.New(mperrors.TypeProtocolError, endpoint+" response is not a JSON array").WithDetail("endpoint", endpoint)
	}
	out := make([]string, 0, len(rows))
	for _, v := range rows {
		out = append(out, asString(v))
	}
	return out, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// approximateJSONSize estimates the encoded size of a decoded JSON value
// without re-serializing it, cheap enough to run on every response.
func approximateJSONSize(v interface{}) int {
	switch t := v.(type) {
	case string:
		return len(t) + 2
	case map[string]interface{}:
		size := 2
		for k, val := range t {
			size += len(k) + 3 + approximateJSONSize(val)
		}
		return size
	case []interface{}:
		size := 2
		for _, val := range t {
			size += approximateJSONSize(val) + 1
		}
		return size
	case nil:
		return 4
	default:
		return 16
	}
}
