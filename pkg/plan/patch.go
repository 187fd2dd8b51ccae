package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

var indexSyntax = regexp.MustCompile(`\[(\d+)\]`)

// ParseValue reads a command-line value as JSON, falling back to a plain string.
func ParseValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// SetField returns a copy of p with the value at path replaced.
//
// Paths are dotted JSON field names. List elements are addressed by index
// ("services.0.image" or "services[0].image") or, for lists of named objects,
// by name ("services.api.image"). The last segment may name a field that is
// not set yet.
func SetField(p *engine.Plan, path string, value interface{}) (*engine.Plan, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, engine.NewConfigError("empty field path", nil).WithCode(engine.ErrCodeValidation)
	}

	data, err := Marshal(p)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}

	doc, err = setIn(doc, segments, value, "")
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	updated := &engine.Plan{}
	if err := json.Unmarshal(out, updated); err != nil {
		return nil, invalid([]Violation{{Layer: LayerSchema, Path: path, Message: err.Error()}})
	}
	return updated, nil
}

// GetField returns the JSON value at path, using the same addressing as
// SetField. A map key that is not set yields nil.
func GetField(p *engine.Plan, path string) (interface{}, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, engine.NewConfigError("empty field path", nil).WithCode(engine.ErrCodeValidation)
	}

	data, err := Marshal(p)
	if err != nil {
		return nil, err
	}
	var node interface{}
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}

	at := ""
	for i, seg := range segments {
		if at == "" {
			at = seg
		} else {
			at += "." + seg
		}
		switch n := node.(type) {
		case map[string]interface{}:
			child, ok := n[seg]
			if !ok && i < len(segments)-1 {
				return nil, engine.NewConfigError(fmt.Sprintf("%s: not set", at), nil).WithCode(engine.ErrCodeNotFound)
			}
			node = child
		case []interface{}:
			idx, err := listIndex(n, seg)
			if err != nil {
				return nil, engine.NewConfigError(fmt.Sprintf("%s: %v", at, err), nil).WithCode(engine.ErrCodeNotFound)
			}
			node = n[idx]
		default:
			return nil, engine.NewConfigError(fmt.Sprintf("%s: cannot descend into a scalar", at), nil).
				WithCode(engine.ErrCodeNotFound)
		}
	}
	return node, nil
}

func splitPath(path string) []string {
	path = indexSyntax.ReplaceAllString(strings.TrimSpace(path), ".$1")
	var out []string
	for _, seg := range strings.Split(path, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func setIn(node interface{}, segments []string, value interface{}, at string) (interface{}, error) {
	if len(segments) == 0 {
		return value, nil
	}
	seg := segments[0]
	here := seg
	if at != "" {
		here = at + "." + seg
	}

	switch n := node.(type) {
	case map[string]interface{}:
		child, ok := n[seg]
		if !ok && len(segments) > 1 {
			child = map[string]interface{}{}
		}
		updated, err := setIn(child, segments[1:], value, here)
		if err != nil {
			return nil, err
		}
		n[seg] = updated
		return n, nil

	case []interface{}:
		idx, err := listIndex(n, seg)
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("%s: %v", here, err), nil).WithCode(engine.ErrCodeNotFound)
		}
		updated, err := setIn(n[idx], segments[1:], value, here)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil

	default:
		return nil, engine.NewConfigError(fmt.Sprintf("%s: cannot descend into a scalar", here), nil).
			WithCode(engine.ErrCodeNotFound)
	}
}

func listIndex(list []interface{}, seg string) (int, error) {
	if i, err := strconv.Atoi(seg); err == nil {
		if i < 0 || i >= len(list) {
			return 0, fmt.Errorf("index %d out of range (%d elements)", i, len(list))
		}
		return i, nil
	}
	for i, item := range list {
		if obj, ok := item.(map[string]interface{}); ok && obj["name"] == seg {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no element named %q", seg)
}
