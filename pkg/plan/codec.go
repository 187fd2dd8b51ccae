package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/format"
	"gopkg.in/yaml.v3"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// Format is the encoding of a plan document on disk.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", engine.NewConfigError(fmt.Sprintf("unsupported plan file extension %q", filepath.Ext(path)), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// ToJSON converts a plan document to canonical JSON.
func ToJSON(data []byte, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		if !json.Valid(data) {
			var probe interface{}
			err := json.Unmarshal(data, &probe)
			return nil, invalid([]Violation{{Layer: LayerSchema, Message: fmt.Sprintf("malformed JSON: %v", err)}})
		}
		return data, nil

	case FormatYAML:
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, invalid([]Violation{{Layer: LayerSchema, Message: fmt.Sprintf("malformed YAML: %v", err)}})
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, invalid([]Violation{{Layer: LayerSchema, Message: err.Error()}})
		}
		return out, nil

	case FormatCUE:
		val := cuecontext.New().CompileBytes(data, cue.Filename("plan.cue"))
		if err := val.Err(); err != nil {
			return nil, invalid(cueViolations(err))
		}
		out, err := val.MarshalJSON()
		if err != nil {
			return nil, invalid(cueViolations(err))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown plan format %q", f)
	}
}

// Marshal encodes a plan as indented JSON. Nil lists are written as empty lists.
func Marshal(p *engine.Plan) ([]byte, error) {
	normalized := *p
	if normalized.Services == nil {
		normalized.Services = []engine.ServiceConfig{}
	}
	if normalized.Monitoring.Thresholds == nil {
		normalized.Monitoring.Thresholds = []engine.MonitoringThreshold{}
	}
	if normalized.Cost.AlertThresholds == nil {
		normalized.Cost.AlertThresholds = []float64{}
	}

	data, err := json.MarshalIndent(&normalized, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	return data, nil
}

// Encode writes a plan in the given format.
func Encode(p *engine.Plan, f Format) ([]byte, error) {
	data, err := Marshal(p)
	if err != nil {
		return nil, err
	}

	switch f {
	case FormatJSON:
		return append(data, '\n'), nil

	case FormatYAML:
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode plan as YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case FormatCUE:
		val := cuecontext.New().CompileBytes(data)
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("failed to encode plan as CUE: %w", err)
		}
		out, err := format.Node(val.Syntax(cue.Final(), cue.Concrete(true)))
		if err != nil {
			return nil, fmt.Errorf("failed to format CUE plan: %w", err)
		}
		return append(out, '\n'), nil

	default:
		return nil, fmt.Errorf("unknown plan format %q", f)
	}
}
