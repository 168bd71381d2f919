package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// =============================================================================
// LOOSE JSON VALUE EXTRACTION
// =============================================================================
//
// The messaging API is not consistent about scalar encodings: ids and timestamps arrive as
// strings in one payload and as numbers in another, and booleans are sometimes quoted.
// These types decode any of those encodings into one Go type and never fail on a
// mismatched scalar; an unusable value decodes to the zero value instead.

// FlexString decodes a JSON string, number or boolean into its string form.
// null and composite values decode to "".
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			*s = ""
			return nil
		}
		*s = FlexString(v)
	case '{', '[':
		*s = ""
	default:
		*s = FlexString(data)
	}
	return nil
}

// String returns the decoded value.
func (s FlexString) String() string { return string(s) }

// FlexInt decodes a JSON number or numeric string into an int64.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexInt) UnmarshalJSON(data []byte) error {
	var s FlexString
	_ = s.UnmarshalJSON(data)
	v, ok := ParseInt64(string(s))
	if !ok {
		*n = 0
		return nil
	}
	*n = FlexInt(v)
	return nil
}

// FlexBool decodes a JSON boolean, "true"/"false" string or 0/1 number.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var s FlexString
	_ = s.UnmarshalJSON(data)
	v, _ := ParseBool(string(s))
	*b = FlexBool(v)
	return nil
}

// ParseInt64 parses integers and integral floats ("12", "12.0", "1e3").
// Returns (0, false) if the value is not numeric.
func ParseInt64(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// ParseBool accepts true/false in any case and the numeric forms 1/0.
// Returns (false, false) if the value is not a recognized boolean.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	default:
		return false, false
	}
}
