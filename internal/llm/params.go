package llm

import (
	"fmt"
	"math"
	"strings"
)

// Params are optional sampling parameters. Nil fields are left to the
// endpoint's defaults.
type Params struct {
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Stop             []string
	Seed             *int
}

// ParamsFromMap maps the extra_api_parameters config section onto Params.
// Unknown keys are rejected so typos surface at startup.
func ParamsFromMap(m map[string]any) (Params, error) {
	var p Params
	for key, raw := range m {
		switch strings.ToLower(key) {
		case "max_tokens", "max_completion_tokens":
			v, err := toFloat(key, raw)
			if err != nil {
				return Params{}, err
			}
			p.MaxTokens = int(v)
		case "temperature":
			v, err := toFloat(key, raw)
			if err != nil {
				return Params{}, err
			}
			p.Temperature = &v
		case "top_p":
			v, err := toFloat(key, raw)
			if err != nil {
				return Params{}, err
			}
			p.TopP = &v
		case "presence_penalty":
			v, err := toFloat(key, raw)
			if err != nil {
				return Params{}, err
			}
			p.PresencePenalty = &v
		case "frequency_penalty":
			v, err := toFloat(key, raw)
			if err != nil {
				return Params{}, err
			}
			p.FrequencyPenalty = &v
		case "seed":
			v, err := toFloat(key, raw)
			if err != nil {
				return Params{}, err
			}
			seed := int(v)
			p.Seed = &seed
		case "stop":
			switch s := raw.(type) {
			case string:
				p.Stop = []string{s}
			case []string:
				p.Stop = s
			case []any:
				for _, item := range s {
					str, ok := item.(string)
					if !ok {
						return Params{}, fmt.Errorf("extra_api_parameters.stop: %v is not a string", item)
					}
					p.Stop = append(p.Stop, str)
				}
			default:
				return Params{}, fmt.Errorf("extra_api_parameters.stop: unsupported type %T", raw)
			}
		default:
			return Params{}, fmt.Errorf("extra_api_parameters: unknown key %q", key)
		}
	}
	return p, nil
}

func toFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		if math.IsNaN(n) {
			return 0, fmt.Errorf("extra_api_parameters.%s: NaN", key)
		}
		return n, nil
	case float32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("extra_api_parameters.%s: expected a number, got %T", key, v)
	}
}
