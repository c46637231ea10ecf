package record

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// EncodeResult serializes a rowset into the artifact form kept by the cache
// and sent over the wire.
func EncodeResult(r *Result) ([]byte, error) {
	if r == nil {
		r = &Result{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "record: encode result")
	}
	return b, nil
}

// DecodeResult reverses EncodeResult. Integral numbers come back as int64
// and other numbers as float64; times and byte slices come back as strings.
func DecodeResult(b []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var r Result
	if err := dec.Decode(&r); err != nil {
		return nil, errors.Wrap(err, "record: decode result")
	}
	for _, row := range r.Rows {
		for i, v := range row {
			n, ok := v.(json.Number)
			if !ok {
				continue
			}
			if x, err := n.Int64(); err == nil {
				row[i] = x
			} else if f, err := n.Float64(); err == nil {
				row[i] = f
			} else {
				row[i] = n.String()
			}
		}
	}
	return &r, nil
}
