package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lexobe/CogLoop/internal/vectorstore"
)

// ErrNotFound is returned when a unit id does not exist.
var ErrNotFound = errors.New("memory unit not found")

// ErrReservedKey is returned when custom metadata uses a reserved key.
var ErrReservedKey = errors.New("metadata key is reserved")

// Reserved metadata keys. Custom fields may not use them.
const (
	KeyCollection  = vectorstore.CollectionKey
	KeyContent     = vectorstore.ContentKey
	KeyUnitID      = vectorstore.UnitIDKey
	KeyCreatedAt   = "created_at"
	KeyUpdatedAt   = "updated_at"
	KeyWeight      = "weight"
	KeyLastAccess  = "last_access"
	KeyAccessCount = "access_count"

	// kindPrefix marks a custom key whose value is JSON-encoded.
	kindPrefix     = "__kind:"
	kindStructured = "json"
)

var reserved = map[string]bool{
	KeyCollection:  true,
	KeyContent:     true,
	KeyUnitID:      true,
	KeyCreatedAt:   true,
	KeyUpdatedAt:   true,
	KeyWeight:      true,
	KeyLastAccess:  true,
	KeyAccessCount: true,
}

// Unit is a single cognitive unit.
type Unit struct {
	ID           string           `json:"id"`
	Content      string           `json:"content"`
	CollectionID string           `json:"collection_id"`
	Weight       float64          `json:"weight"`
	LastAccess   time.Time        `json:"last_access"`
	AccessCount  int              `json:"access_count"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at,omitempty"`
	Custom       map[string]Value `json:"custom,omitempty"`

	hasWeight bool
}

// Candidate is a unit returned by a similarity query.
type Candidate struct {
	Unit
	Score float64 `json:"score"`
}

// NewCandidate wraps a unit whose weight is known.
func NewCandidate(u Unit, score float64) Candidate {
	u.hasWeight = true
	return Candidate{Unit: u, Score: score}
}

// Rank returns the numeric field named key and whether it is present.
// "weight" and "score" are built in; any other key is read from raw
// custom metadata that parses as a number.
func (c Candidate) Rank(key string) (float64, bool) {
	switch key {
	case KeyWeight, "":
		return c.Weight, c.hasWeight
	case "score":
		return c.Score, true
	case KeyAccessCount:
		return float64(c.AccessCount), true
	}
	v, ok := c.Custom[key]
	if !ok || v.Kind != KindRaw {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.Raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ValueKind tags how a custom metadata value is stored.
type ValueKind int

const (
	// KindRaw is a plain string stored verbatim.
	KindRaw ValueKind = iota
	// KindStructured is any JSON value, stored encoded.
	KindStructured
)

// Value is a custom metadata value. A raw string that happens to look like
// JSON stays a string; only structured values are decoded on read.
type Value struct {
	Kind ValueKind
	Raw  string
	Data json.RawMessage
}

// RawValue returns a plain string value.
func RawValue(s string) Value {
	return Value{Kind: KindRaw, Raw: s}
}

// StructuredValue encodes v as JSON.
func StructuredValue(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode metadata value: %w", err)
	}
	return Value{Kind: KindStructured, Data: data}, nil
}

// Decode unmarshals a structured value into dst. Raw values decode as a JSON string.
func (v Value) Decode(dst any) error {
	if v.Kind == KindRaw {
		data, _ := json.Marshal(v.Raw)
		return json.Unmarshal(data, dst)
	}
	return json.Unmarshal(v.Data, dst)
}

// String returns the stored form.
func (v Value) String() string {
	if v.Kind == KindRaw {
		return v.Raw
	}
	return string(v.Data)
}

// MarshalJSON renders raw values as JSON strings and structured values as-is.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindRaw {
		return json.Marshal(v.Raw)
	}
	if len(v.Data) == 0 {
		return []byte("null"), nil
	}
	return v.Data, nil
}

// UnmarshalJSON maps a JSON string to a raw value and anything else to a
// structured value. The JSON type decides, so there is no guessing.
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = RawValue(s)
		return nil
	}
	*v = Value{Kind: KindStructured, Data: append(json.RawMessage(nil), data...)}
	return nil
}

// encodeCustom flattens custom values into string metadata. With overwrite
// set, raw values also blank any structured marker left by an earlier write,
// for use with merge-style metadata updates.
func encodeCustom(custom map[string]Value, overwrite bool) (map[string]string, error) {
	md := make(map[string]string, len(custom))
	for k, v := range custom {
		if reserved[k] || strings.HasPrefix(k, kindPrefix) {
			return nil, fmt.Errorf("%w: %q", ErrReservedKey, k)
		}
		md[k] = v.String()
		if v.Kind == KindStructured {
			md[kindPrefix+k] = kindStructured
		} else if overwrite {
			md[kindPrefix+k] = ""
		}
	}
	return md, nil
}

// encodeUnit renders the full metadata for a unit.
func encodeUnit(u Unit) (map[string]string, error) {
	md, err := encodeCustom(u.Custom, false)
	if err != nil {
		return nil, err
	}
	md[KeyCollection] = u.CollectionID
	md[KeyCreatedAt] = formatTime(u.CreatedAt)
	md[KeyWeight] = formatFloat(u.Weight)
	md[KeyLastAccess] = formatTime(u.LastAccess)
	md[KeyAccessCount] = strconv.Itoa(u.AccessCount)
	if !u.UpdatedAt.IsZero() {
		md[KeyUpdatedAt] = formatTime(u.UpdatedAt)
	}
	return md, nil
}

// decodeUnit rebuilds a unit from stored metadata. Malformed reserved
// fields decode to their zero value rather than failing the read.
func decodeUnit(doc vectorstore.Document) Unit {
	u := Unit{
		ID:           doc.ID,
		Content:      doc.Content,
		CollectionID: doc.Metadata[KeyCollection],
	}
	if s, ok := doc.Metadata[KeyWeight]; ok {
		if w, err := strconv.ParseFloat(s, 64); err == nil {
			u.Weight = clamp01(w)
			u.hasWeight = true
		}
	}
	u.AccessCount, _ = strconv.Atoi(doc.Metadata[KeyAccessCount])
	u.CreatedAt = parseTime(doc.Metadata[KeyCreatedAt])
	u.UpdatedAt = parseTime(doc.Metadata[KeyUpdatedAt])
	u.LastAccess = parseTime(doc.Metadata[KeyLastAccess])

	for k, v := range doc.Metadata {
		if reserved[k] || strings.HasPrefix(k, kindPrefix) {
			continue
		}
		if u.Custom == nil {
			u.Custom = make(map[string]Value)
		}
		if doc.Metadata[kindPrefix+k] == kindStructured {
			u.Custom[k] = Value{Kind: KindStructured, Data: json.RawMessage(v)}
		} else {
			u.Custom[k] = RawValue(v)
		}
	}
	return u
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
