package cloud

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"beaconsync/internal/merge"
	"beaconsync/internal/types"
)

// FetchHistory walks the sensor's cloud history forward from since in pages
// of the client's chunk size and returns every decoded record once, in
// ascending order. A zero until means up to the latest record.
//
// Each page starts at the last timestamp of the previous one, so boundary
// records come back twice and are dropped. The walk stops on an empty page,
// on a page that does not advance, or once it reaches until. ctx
// is checked before every page. Any failure returns no records.
func (c *Client) FetchHistory(ctx context.Context, remoteID string, since, until time.Time) ([]types.SensorRecord, error) {
	if _, err := c.creds.APIKey(); err != nil {
		return nil, err
	}

	var out []types.SensorRecord
	seen := make(merge.KeySet)
	cursor := since
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := c.fetchChunk(ctx, remoteID, cursor, until)
		if err != nil {
			return nil, err
		}
		if p.size == 0 {
			break
		}
		for _, r := range p.records {
			if seen.Add(r.Key()) {
				out = append(out, r)
			}
		}
		c.logger.Debug("history page", "sensor", remoteID, "page", n, "size", p.size, "total", len(out))

		// A page that does not move past the cursor would be returned again.
		if !p.last.After(cursor) {
			break
		}
		if !until.IsZero() && !p.last.Before(until) {
			break
		}
		cursor = p.last
	}
	return out, nil
}

// page is one history response. size and last count undecodable
// measurements too, so a page of unknown payloads still advances the cursor.
type page struct {
	records []types.SensorRecord
	size    int
	last    time.Time
}

func (c *Client) fetchChunk(ctx context.Context, remoteID string, since, until time.Time) (page, error) {
	var from int64
	if !since.IsZero() {
		from = since.Unix()
	}
	q := url.Values{
		"sensor": {remoteID},
		"since":  {strconv.FormatInt(from, 10)},
		"limit":  {strconv.Itoa(c.chunkSize)},
		"sort":   {"asc"},
	}
	if !until.IsZero() {
		q.Set("until", strconv.FormatInt(until.Unix(), 10))
	}
	var resp historyResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/get", query: q, auth: true}, &resp); err != nil {
		return page{}, err
	}

	p := page{records: make([]types.SensorRecord, 0, len(resp.Measurements)), size: len(resp.Measurements)}
	for _, m := range resp.Measurements {
		if ts := time.Unix(m.Timestamp, 0); ts.After(p.last) {
			p.last = ts
		}
		if r, ok := c.decodeMeasurement(remoteID, m); ok {
			p.records = append(p.records, r)
		}
	}
	return p, nil
}

// decodeMeasurement skips payloads the decoder does not understand.
func (c *Client) decodeMeasurement(remoteID string, m measurement) (types.SensorRecord, bool) {
	raw, err := hex.DecodeString(m.Data)
	if err != nil {
		c.logger.Debug("skip measurement", "sensor", remoteID, "timestamp", m.Timestamp, "error", err)
		return types.SensorRecord{}, false
	}
	reading, err := c.decode(raw)
	if err != nil {
		c.logger.Debug("skip measurement", "sensor", remoteID, "timestamp", m.Timestamp, "error", err)
		return types.SensorRecord{}, false
	}
	r, err := merge.CloudRecord(remoteID, time.Unix(m.Timestamp, 0), m.RSSI, reading)
	if err != nil {
		return types.SensorRecord{}, false
	}
	return r, true
}
