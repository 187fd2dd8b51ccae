package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// fieldEqual compares an expected field with its observed value.
func fieldEqual(f ExpectedField, actual interface{}) bool {
	switch f.Kind {
	case FieldNumber:
		want, ok := toFloat(f.Value)
		if !ok {
			return false
		}
		got, ok := toFloat(actual)
		return ok && want == got
	case FieldText:
		got, ok := toText(actual)
		return ok && got == fmt.Sprint(f.Value)
	case FieldBool:
		want, _ := f.Value.(bool)
		got, ok := toBool(actual)
		return ok && want == got
	case FieldSet:
		want, ok := toSet(f.Value)
		if !ok {
			return false
		}
		got, ok := toSet(actual)
		if !ok || len(want) != len(got) {
			return false
		}
		for k := range want {
			if !got[k] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// toFloat converts any Go or JSON numeric representation to float64.
// Strings are not numbers: "2" and 2 differ.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case nil:
		return "", false
	case bool:
		return strconv.FormatBool(t), true
	default:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
		return "", false
	}
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}

// toSet canonicalizes a collection into a set of element keys. Numbers are keyed
// by value so 8080 and 8080.0 are the same element.
func toSet(v interface{}) (map[string]bool, bool) {
	var items []interface{}
	switch c := v.(type) {
	case []interface{}:
		items = c
	case []string:
		for _, s := range c {
			items = append(items, s)
		}
	case []int:
		for _, n := range c {
			items = append(items, n)
		}
	case []int32:
		for _, n := range c {
			items = append(items, n)
		}
	case []float64:
		for _, n := range c {
			items = append(items, n)
		}
	default:
		return nil, false
	}

	set := make(map[string]bool, len(items))
	for _, item := range items {
		if f, ok := toFloat(item); ok {
			set["n:"+strconv.FormatFloat(f, 'f', -1, 64)] = true
			continue
		}
		set["s:"+fmt.Sprint(item)] = true
	}
	return set, true
}
