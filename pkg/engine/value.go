package engine

import (
	"fmt"
	"strings"
)

// RefScheme is the token prefix marking a reference inside decoded
// attribute data, e.g. "ref://core.group.rg.name".
const RefScheme = "ref://"

// EncodeValue converts a Value into plain JSON-compatible data.
// References become RefScheme tokens so encoded attributes survive a
// round trip through any JSON store.
func EncodeValue(v Value) any {
	switch val := v.(type) {
	case nil:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = EncodeValue(item)
		}
		return out
	case Map:
		out := make(map[string]any, len(val))
		for _, k := range val.SortedKeys() {
			out[k] = EncodeValue(val[k])
		}
		return out
	case Ref:
		return RefScheme + val.Target.String() + "." + val.Attr
	default:
		// Value is a closed union; this is unreachable for well-formed input.
		panic(fmt.Sprintf("engine: unknown value type %T", v))
	}
}

// EncodeMap converts an attribute map into plain JSON-compatible data.
func EncodeMap(m Map) map[string]any {
	if m == nil {
		return nil
	}
	return EncodeValue(m).(map[string]any)
}

// DecodeValue converts plain JSON-compatible data into a Value.
// Strings carrying the RefScheme prefix decode to Ref.
func DecodeValue(data any) (Value, error) {
	switch val := data.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.HasPrefix(val, RefScheme) {
			return parseRefToken(val)
		}
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case float64:
		// JSON numbers decode as float64; preserve integral values as Int.
		if val == float64(int64(val)) {
			return Int(int64(val)), nil
		}
		return Float(val), nil
	case []any:
		out := make(List, len(val))
		for i, item := range val {
			dec, err := DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]any:
		out := make(Map, len(val))
		for k, item := range val {
			dec, err := DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported attribute value of type %T", data)
	}
}

// DecodeMap converts plain JSON-compatible data into an attribute map.
func DecodeMap(data map[string]any) (Map, error) {
	if data == nil {
		return nil, nil
	}
	out := make(Map, len(data))
	for k, item := range data {
		dec, err := DecodeValue(item)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}

// parseRefToken parses "ref://kind.name.attr" into a Ref. The attribute
// is the last dot segment, the name the one before it; the rest is the kind.
func parseRefToken(token string) (Ref, error) {
	path := strings.TrimPrefix(token, RefScheme)
	last := strings.LastIndex(path, ".")
	if last <= 0 || last == len(path)-1 {
		return Ref{}, fmt.Errorf("malformed reference %q", token)
	}
	attr := path[last+1:]
	id, err := ParseIdentity(path[:last])
	if err != nil {
		return Ref{}, fmt.Errorf("malformed reference %q: %w", token, err)
	}
	return Ref{Target: id, Attr: attr}, nil
}

// ValuesEqual reports deep equality of two values. Refs compare by
// target and attribute, not by resolved content.
func ValuesEqual(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !ValuesEqual(v, other) {
				return false
			}
		}
		return true
	case Ref:
		bv, ok := b.(Ref)
		return ok && av == bv
	default:
		return false
	}
}

// CopyMap returns a deep copy of an attribute map. Plans and recorded
// state must not alias the caller's data.
func CopyMap(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v Value) Value {
	switch val := v.(type) {
	case List:
		out := make(List, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case Map:
		return CopyMap(val)
	default:
		// Scalars and Refs are value types.
		return v
	}
}
