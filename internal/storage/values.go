package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// taggedValue keeps the Go type of an attribute value across a JSON round
// trip. The layer schema may change after a row is written, so the store
// cannot rely on it to restore types.
type taggedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

const (
	tagNull   = "null"
	tagBool   = "bool"
	tagInt    = "int"
	tagFloat  = "float"
	tagString = "str"
	tagTime   = "time"
	tagJSON   = "json"
)

func encodeAttributes(values []any) ([]byte, error) {
	tagged := make([]taggedValue, len(values))
	for i, v := range values {
		tv, err := tagValue(v)
		if err != nil {
			return nil, err
		}
		tagged[i] = tv
	}
	return json.Marshal(tagged)
}

func tagValue(v any) (taggedValue, error) {
	var tag string
	switch val := v.(type) {
	case nil:
		return taggedValue{T: tagNull}, nil
	case bool:
		tag = tagBool
	case int:
		tag, v = tagInt, int64(val)
	case int32:
		tag, v = tagInt, int64(val)
	case int64:
		tag = tagInt
	case float32:
		tag, v = tagFloat, float64(val)
	case float64:
		tag = tagFloat
	case string:
		tag = tagString
	case time.Time:
		tag, v = tagTime, val.Format(time.RFC3339Nano)
	default:
		tag = tagJSON
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{T: tag, V: raw}, nil
}

func decodeAttributes(data []byte) ([]any, error) {
	var tagged []taggedValue
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, err
	}
	values := make([]any, len(tagged))
	for i, tv := range tagged {
		v, err := untagValue(tv)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func untagValue(tv taggedValue) (any, error) {
	switch tv.T {
	case tagNull:
		return nil, nil
	case tagBool:
		var b bool
		err := json.Unmarshal(tv.V, &b)
		return b, err
	case tagInt:
		var i int64
		err := json.Unmarshal(tv.V, &i)
		return i, err
	case tagFloat:
		var f float64
		err := json.Unmarshal(tv.V, &f)
		return f, err
	case tagString:
		var s string
		err := json.Unmarshal(tv.V, &s)
		return s, err
	case tagTime:
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case tagJSON:
		var v any
		err := json.Unmarshal(tv.V, &v)
		return v, err
	}
	return nil, fmt.Errorf("unknown value tag %q", tv.T)
}
