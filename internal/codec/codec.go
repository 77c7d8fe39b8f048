// Package codec serializes cache entries. A payload is a one-byte format tag
// followed by a JSON envelope, snappy-compressed when it is large. Every
// column value carries a type tag so integers, floats, timestamps and bytes
// survive the cache boundary without precision loss.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/golang/snappy"

	"github.com/oriys/snapcache/internal/domain"
)

// ErrCorrupt is returned when a payload cannot be decoded.
var ErrCorrupt = errors.New("codec: corrupt payload")

const (
	formatJSON   byte = 'j'
	formatSnappy byte = 's'

	envelopeVersion = 1

	// DefaultCompressThreshold is the encoded size above which payloads are
	// snappy-compressed.
	DefaultCompressThreshold = 1024
)

const (
	kindNull      = "n"
	kindString    = "s"
	kindRawString = "S" // not valid UTF-8, base64 encoded
	kindInt       = "i"
	kindFloat     = "f"
	kindBool      = "b"
	kindTime      = "t"
	kindBytes     = "x"
)

// Entry is the unit stored under one cache key.
type Entry struct {
	Dataset   domain.Dataset
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Codec encodes and decodes entries.
type Codec struct {
	// CompressThreshold is the JSON size in bytes above which the payload is
	// compressed. Zero uses DefaultCompressThreshold; negative disables
	// compression.
	CompressThreshold int
}

type envelope struct {
	Version   int               `json:"v"`
	StoredAt  string            `json:"stored_at"`
	ExpiresAt string            `json:"expires_at"`
	Rows      []map[string]cell `json:"rows"`
}

type cell struct {
	Kind  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// Encode serializes e.
func (c Codec) Encode(e Entry) ([]byte, error) {
	env := envelope{
		Version:   envelopeVersion,
		StoredAt:  formatTime(e.StoredAt),
		ExpiresAt: formatTime(e.ExpiresAt),
		Rows:      make([]map[string]cell, len(e.Dataset)),
	}
	for i, rec := range e.Dataset {
		row := make(map[string]cell, len(rec))
		for col, v := range rec {
			encoded, err := encodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("encode row %d column %q: %w", i, col, err)
			}
			row[col] = encoded
		}
		env.Rows[i] = row
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	threshold := c.CompressThreshold
	if threshold == 0 {
		threshold = DefaultCompressThreshold
	}
	if threshold > 0 && len(raw) > threshold {
		compressed := snappy.Encode(nil, raw)
		out := make([]byte, 1+len(compressed))
		out[0] = formatSnappy
		copy(out[1:], compressed)
		return out, nil
	}

	out := make([]byte, 1+len(raw))
	out[0] = formatJSON
	copy(out[1:], raw)
	return out, nil
}

// Decode parses a payload produced by Encode. Errors wrap ErrCorrupt.
func (c Codec) Decode(b []byte) (Entry, error) {
	if len(b) < 2 {
		return Entry{}, fmt.Errorf("%w: payload too short", ErrCorrupt)
	}

	var raw []byte
	switch b[0] {
	case formatJSON:
		raw = b[1:]
	case formatSnappy:
		decoded, err := snappy.Decode(nil, b[1:])
		if err != nil {
			return Entry{}, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
		raw = decoded
	default:
		return Entry{}, fmt.Errorf("%w: unknown format tag 0x%02x", ErrCorrupt, b[0])
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return Entry{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}

	storedAt, err := parseTime(env.StoredAt)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: stored_at: %v", ErrCorrupt, err)
	}
	expiresAt, err := parseTime(env.ExpiresAt)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: expires_at: %v", ErrCorrupt, err)
	}

	ds := make(domain.Dataset, len(env.Rows))
	for i, row := range env.Rows {
		rec := make(domain.Record, len(row))
		for col, cl := range row {
			v, err := decodeValue(cl)
			if err != nil {
				return Entry{}, fmt.Errorf("%w: row %d column %q: %v", ErrCorrupt, i, col, err)
			}
			rec[col] = v
		}
		ds[i] = rec
	}

	return Entry{Dataset: ds, StoredAt: storedAt, ExpiresAt: expiresAt}, nil
}

// EncodeDataset serializes a bare dataset with no expiry metadata.
func EncodeDataset(d domain.Dataset) ([]byte, error) {
	return Codec{}.Encode(Entry{Dataset: d})
}

// DecodeDataset is the inverse of EncodeDataset.
func DecodeDataset(b []byte) (domain.Dataset, error) {
	e, err := Codec{}.Decode(b)
	if err != nil {
		return nil, err
	}
	return e.Dataset, nil
}

func encodeValue(v any) (cell, error) {
	switch tv := v.(type) {
	case nil:
		return cell{Kind: kindNull}, nil
	case string:
		if !utf8.ValidString(tv) {
			return jsonCell(kindRawString, base64.StdEncoding.EncodeToString([]byte(tv)))
		}
		return jsonCell(kindString, tv)
	case int64:
		return jsonCell(kindInt, strconv.FormatInt(tv, 10))
	case float64:
		return jsonCell(kindFloat, strconv.FormatFloat(tv, 'g', -1, 64))
	case bool:
		return jsonCell(kindBool, tv)
	case time.Time:
		return jsonCell(kindTime, tv.Format(time.RFC3339Nano))
	case []byte:
		return jsonCell(kindBytes, base64.StdEncoding.EncodeToString(tv))
	default:
		return cell{}, domain.CheckValue(v)
	}
}

func jsonCell(kind string, v any) (cell, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return cell{}, err
	}
	return cell{Kind: kind, Value: b}, nil
}

func decodeValue(c cell) (any, error) {
	if c.Kind == kindNull {
		return nil, nil
	}
	if c.Kind == kindBool {
		var b bool
		if err := json.Unmarshal(c.Value, &b); err != nil {
			return nil, err
		}
		return b, nil
	}

	var s string
	if err := json.Unmarshal(c.Value, &s); err != nil {
		return nil, err
	}
	switch c.Kind {
	case kindString:
		return s, nil
	case kindRawString:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case kindInt:
		return strconv.ParseInt(s, 10, 64)
	case kindFloat:
		return strconv.ParseFloat(s, 64)
	case kindTime:
		return time.Parse(time.RFC3339Nano, s)
	case kindBytes:
		return base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("unknown value kind %q", c.Kind)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
