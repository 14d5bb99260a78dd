package metax

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Timestamp field names in order of preference. Older registry versions use
// the short names.
var (
	modifiedFields = []string{"date_modified", "modified"}
	createdFields  = []string{"date_created", "created"}
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp converts a registry timestamp into a UTC instant. Accepted
// forms are ISO 8601 strings with or without an offset (no offset means UTC),
// and Unix epoch seconds given as a JSON number or a numeric string.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %s: %w", s, err)
		}
		return parseTimestampString(str)
	}

	return parseEpoch(s)
}

func parseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if t, err := parseEpoch(s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func parseEpoch(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// modifiedFromDocument picks the first present modification field, falling
// back to the creation fields.
func modifiedFromDocument(datasetID string, doc map[string]json.RawMessage) (time.Time, error) {
	for _, fields := range [][]string{modifiedFields, createdFields} {
		for _, field := range fields {
			raw, ok := doc[field]
			if !ok || string(raw) == "null" {
				continue
			}
			t, err := ParseTimestamp(raw)
			if err != nil {
				return time.Time{}, fmt.Errorf("dataset %q field %s: %w", datasetID, field, err)
			}
			return t, nil
		}
	}
	return time.Time{}, &MissingFieldsError{
		DatasetID: datasetID,
		Fields:    []string{"date_modified", "date_created"},
	}
}
