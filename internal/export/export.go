// Package export drives the Provider's bulk-export endpoints through
// transport.StreamNDJSON and normalizes each decoded line into an
// mixpanel.EventRecord or mixpanel.ProfileRecord: distinct_id, time, and
// $insert_id are lifted out of the free-form Properties map into named
// fields, and a missing $insert_id is synthesized as a UUIDv4 so downstream
// storage always has a stable per-row identity (spec §4.3).
package export

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/mpdata/internal/transport"
	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mperrors"
	"github.com/ajitpratap0/mpdata/pkg/mplogger"
)

// EventLine is one event from StreamEvents, or an error. An error for one
// line does not end the stream; later lines still follow. Record is
// populated when the stream was opened with raw=false; Raw is populated,
// Record left zero, when raw=true.
type EventLine struct {
	Record mixpanel.EventRecord
	Raw    *mixpanel.RawEventRecord
	Err    error
}

// ProfileLine is one profile from StreamProfiles, or an error. A failed
// page fetch or cancellation ends the stream; an error for one malformed
// row does not. Record is populated when the stream was opened with raw=false; Raw is
// populated, Record left zero, when raw=true.
type ProfileLine struct {
	Record mixpanel.ProfileRecord
	Raw    *mixpanel.RawProfileRecord
	Err    error
}

// Exporter drives the Provider's event-export and engage endpoints.
type Exporter struct {
	transport *transport.Transport
	logger    *zap.Logger
}

// New returns an Exporter bound to t.
func New(t *transport.Transport) *Exporter {
	return &Exporter{transport: t, logger: mplogger.Named("export")}
}

// StreamEvents streams every event in [from, to] for the given event names
// (nil or empty means all events) matching the optional where expression,
// yielding records on a channel that closes when the underlying stream ends
// or ctx is cancelled. raw=true yields the Provider's event-export envelope
// decoded but otherwise untouched (EventLine.Raw); raw=false (the common
// case, and the only mode the fetchers use) yields EventLine.Record with
// distinct_id/time/$insert_id lifted out of Properties (spec §4.3).
func (e *Exporter) StreamEvents(ctx context.Context, from, to string, eventNames []string, where string, raw bool) (<-chan EventLine, error) {
	params := url.Values{"from_date": {from}, "to_date": {to}}
	for _, name := range eventNames {
		params.Add("event", name)
	}
	if where != "" {
		params.Set("where", where)
	}

	lines, err := e.transport.StreamNDJSON(ctx, transport.HostExport, "/2.0/export", params)
	if err != nil {
		return nil, err
	}

	out := make(chan EventLine, 32)
	go func() {
		defer close(out)
		for line := range lines {
			if line.Err != nil {
				e.logger.Warn("event line failed", zap.Error(line.Err))
				out <- EventLine{Err: line.Err}
				continue
			}
			if raw {
				rec, err := rawEvent(line.Value)
				if err != nil {
					e.logger.Warn("event line decode failed", zap.Error(err))
					out <- EventLine{Err: err}
					continue
				}
				out <- EventLine{Raw: &rec}
				continue
			}
			record, err := normalizeEvent(line.Value)
			if err != nil {
				e.logger.Warn("event line normalization failed", zap.Error(err))
				out <- EventLine{Err: err}
				continue
			}
			out <- EventLine{Record: record}
		}
	}()
	return out, nil
}

// StreamProfiles streams every profile page starting at page 0, reusing the
// session_id the Provider returns on the first page for every subsequent
// page (spec §4.6's page-discovery contract). where, if set, is merged into
// the engage query as the "where" selector expression. raw=true yields the
// Provider's engage row decoded but otherwise untouched (ProfileLine.Raw);
// raw=false yields ProfileLine.Record with $last_seen lifted out of
// Properties.
func (e *Exporter) StreamProfiles(ctx context.Context, filters url.Values, where string, raw bool) (<-chan ProfileLine, error) {
	base := cloneValues(filters)
	if where != "" {
		base.Set("where", where)
	}

	out := make(chan ProfileLine, 32)

	go func() {
		defer close(out)

		sessionID := ""
		page := 0
		for {
			select {
			case <-ctx.Done():
				out <- ProfileLine{Err: mperrors.Wrap(ctx.Err(), mperrors.TypeTransportError, "profile stream cancelled")}
				return
			default:
			}

			envelope, err := e.transport.QueryEngagePage(ctx, page, sessionID, cloneValues(base))
			if err != nil {
				e.logger.Warn("profile page fetch failed", zap.Int("page", page), zap.Error(err))
				out <- ProfileLine{Err: err}
				return
			}

			root, ok := envelope.(map[string]interface{})
			if !ok {
				out <- ProfileLine{Err: mperrors.New(mperrors.TypeProtocolError, "engage response is not a JSON object")}
				return
			}

			if sid, ok := root["session_id"].(string); ok && sid != "" {
				sessionID = sid
			}

			results, _ := root["results"].([]interface{})
			for _, rowRaw := range results {
				if raw {
					rec, err := rawProfile(rowRaw)
					if err != nil {
						out <- ProfileLine{Err: err}
						continue
					}
					out <- ProfileLine{Raw: &rec}
					continue
				}
				record, err := normalizeProfile(rowRaw)
				if err != nil {
					out <- ProfileLine{Err: err}
					continue
				}
				out <- ProfileLine{Record: record}
			}

			total := int(asFloat(root["total"]))
			pageSize := int(asFloat(root["page_size"]))
			if pageSize == 0 || (page+1)*pageSize >= total {
				return
			}
			page++
		}
	}()

	return out, nil
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// rawEvent decodes a line exactly as the Provider sent it, with no
// $insert_id synthesis or field lifting, so raw=true output is byte-
// equivalent to the NDJSON body decoded once.
func rawEvent(v interface{}) (mixpanel.RawEventRecord, error) {
	root, ok := v.(map[string]interface{})
	if !ok {
		return mixpanel.RawEventRecord{}, mperrors.New(mperrors.TypeProtocolError, "event line is not a JSON object")
	}
	eventName, _ := root["event"].(string)
	props, _ := root["properties"].(map[string]interface{})
	return mixpanel.RawEventRecord{Event: eventName, Properties: mixpanel.Properties(props)}, nil
}

func rawProfile(v interface{}) (mixpanel.RawProfileRecord, error) {
	root, ok := v.(map[string]interface{})
	if !ok {
		return mixpanel.RawProfileRecord{}, mperrors.New(mperrors.TypeProtocolError, "profile row is not a JSON object")
	}
	distinctID, _ := root["$distinct_id"].(string)
	props, _ := root["$properties"].(map[string]interface{})
	return mixpanel.RawProfileRecord{DistinctID: distinctID, Properties: mixpanel.Properties(props)}, nil
}

func normalizeEvent(raw interface{}) (mixpanel.EventRecord, error) {
	root, ok := raw.(map[string]interface{})
	if !ok {
		return mixpanel.EventRecord{}, mperrors.New(mperrors.TypeProtocolError, "event line is not a JSON object")
	}
	eventName, _ := root["event"].(string)
	props, _ := root["properties"].(map[string]interface{})
	if props == nil {
		return mixpanel.EventRecord{}, mperrors.New(mperrors.TypeProtocolError, "event line missing properties")
	}

	properties := mixpanel.Properties(props).Clone()

	distinctID, _ := popString(properties, "distinct_id")
	insertID, hadInsertID := popString(properties, "$insert_id")
	if !hadInsertID || insertID == "" {
		insertID = uuid.New().String()
	}

	eventTime, err := popTime(properties, "time")
	if err != nil {
		return mixpanel.EventRecord{}, err
	}

	return mixpanel.EventRecord{
		EventName:  eventName,
		EventTime:  eventTime,
		DistinctID: distinctID,
		InsertID:   insertID,
		Properties: properties,
	}, nil
}

// NormalizeProfile applies the same $distinct_id/$properties/$last_seen
// lifting StreamProfiles uses internally, exported so ParallelFetcher can
// normalize a page it fetched directly via transport.QueryEngagePage
// during page-0 probing.
func NormalizeProfile(raw interface{}) (mixpanel.ProfileRecord, error) {
	return normalizeProfile(raw)
}

func normalizeProfile(raw interface{}) (mixpanel.ProfileRecord, error) {
	root, ok := raw.(map[string]interface{})
	if !ok {
		return mixpanel.ProfileRecord{}, mperrors.New(mperrors.TypeProtocolError, "profile row is not a JSON object")
	}
	distinctID, _ := root["$distinct_id"].(string)
	props, _ := root["$properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
	}
	properties := mixpanel.Properties(props).Clone()

	var lastSeen *time.Time
	if raw, ok := popString(properties, "$last_seen"); ok && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err == nil {
			lastSeen = &t
		}
	}

	return mixpanel.ProfileRecord{
		DistinctID: distinctID,
		LastSeen:   lastSeen,
		Properties: properties,
	}, nil
}

func popString(props mixpanel.Properties, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	delete(props, key)
	s, ok := v.(string)
	return s, ok
}

func popTime(props mixpanel.Properties, key string) (time.Time, error) {
	v, ok := props[key]
	if !ok {
		return time.Time{}, mperrors.New(mperrors.TypeProtocolError, fmt.Sprintf("event line missing %q", key))
	}
	delete(props, key)
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0).UTC(), nil
	default:
		return time.Time{}, mperrors.New(mperrors.TypeProtocolError, fmt.Sprintf("%q is not a numeric timestamp", key))
	}
}
