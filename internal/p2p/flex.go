package p2p

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// flexFloat accepts a JSON number or a numeric string. The API sends prices
// as strings and rates as numbers, and either may be null. Non-finite values
// such as "NaN" or "Infinity" are left unparsed.
type flexFloat struct {
	v   float64
	ok  bool
	raw string
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	f.raw = string(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = flexFloat{raw: f.raw}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f.raw = s
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			// kept as unparsed; parseListing decides whether it matters
			return nil
		}
		f.v, f.ok = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	f.v, f.ok = v, true
	return nil
}

func (f flexFloat) Value() (float64, bool) {
	return f.v, f.ok
}
