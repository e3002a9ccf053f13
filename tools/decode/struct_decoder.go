package decode

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Options tunes Map and JSON.
type Options struct {
	// WeaklyTypedInput lets "123" land in an int, 1.0 in an int64 and so on.
	WeaklyTypedInput bool
	// ErrorUnused rejects keys that have no matching field.
	ErrorUnused bool
}

func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true}
}

// Map decodes a loosely typed map, such as JWT claims or a broker payload,
// into T using the `json` struct tags.
func Map[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("decode: nil map")
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			numberToTimeHook(),
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			jsonRawStringToMapHook(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return &out, nil
}

// JSON unmarshals data into a generic map first, then runs it through Map.
func JSON[T any](data []byte, opts ...Options) (*T, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return Map[T](m, opts...)
}

var timeType = reflect.TypeOf(time.Time{})

// numberToTimeHook reads numbers as unix time. Values above 1e12 are taken as
// milliseconds, everything else as seconds.
func numberToTimeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != timeType {
			return data, nil
		}
		var n float64
		switch v := data.(type) {
		case float64:
			n = v
		case int64:
			n = float64(v)
		case int:
			n = float64(v)
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, err
			}
			n = f
		default:
			return data, nil
		}
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		return time.Unix(int64(n), 0).UTC(), nil
	}
}

// jsonRawStringToMapHook accepts a JSON object encoded as a string where a
// map is expected, e.g. a payload field that a producer double encoded.
func jsonRawStringToMapHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Map {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return data, nil
		}
		return m, nil
	}
}
