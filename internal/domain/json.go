package domain

import (
	"encoding/json"
	"math"
	"strconv"
)

// MarshalJSON renders the dataset for API consumers. A nil dataset encodes
// as [] and non-finite floats, which JSON cannot carry, as strings. Bytes
// use the standard base64 form.
func (d Dataset) MarshalJSON() ([]byte, error) {
	rows := make([]map[string]any, len(d))
	for i, rec := range d {
		row := make(map[string]any, len(rec))
		for k, v := range rec {
			if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
				v = strconv.FormatFloat(f, 'g', -1, 64)
			}
			row[k] = v
		}
		rows[i] = row
	}
	return json.Marshal(rows)
}
