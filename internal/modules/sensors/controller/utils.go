package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/schema"
)

const maxBodyBytes = 1 << 16

type recordsQuery struct {
	Since    time.Time     `schema:"since"`
	Until    time.Time     `schema:"until"`
	Interval time.Duration `schema:"interval"`
}

type streamQuery struct {
	Since time.Time `schema:"since"`
}

var queryDecoder = newQueryDecoder()

func newQueryDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	d.RegisterConverter(time.Time{}, convertTime)
	d.RegisterConverter(time.Duration(0), convertDuration)
	return d
}

// convertTime accepts RFC3339 or unix seconds.
func convertTime(s string) reflect.Value {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return reflect.ValueOf(t.UTC())
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
		return reflect.ValueOf(time.Unix(n, 0).UTC())
	}
	return reflect.Value{}
}

// convertDuration accepts a Go duration ("15m") or whole seconds.
func convertDuration(s string) reflect.Value {
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return reflect.ValueOf(d)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
		return reflect.ValueOf(time.Duration(n) * time.Second)
	}
	return reflect.Value{}
}

func parseRecordsQuery(r *http.Request) (recordsQuery, error) {
	var q recordsQuery
	if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		return recordsQuery{}, queryError(err)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Since.After(q.Until) {
		return recordsQuery{}, errors.New("'since' must be <= 'until'")
	}
	return q, nil
}

func parseStreamQuery(r *http.Request) (streamQuery, error) {
	var q streamQuery
	if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		return streamQuery{}, queryError(err)
	}
	return q, nil
}

// queryError names the offending parameter.
func queryError(err error) error {
	var multi schema.MultiError
	if errors.As(err, &multi) {
		keys := slices.Sorted(maps.Keys(multi))
		if len(keys) > 0 {
			return fmt.Errorf("invalid %q", keys[0])
		}
	}
	return err
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
