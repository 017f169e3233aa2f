package orchestrator

import "strings"

// Think mode values accepted from clients.
const (
	ThinkAuto   = "auto"
	ThinkOn     = "on"
	ThinkOff    = "off"
	ThinkLow    = "low"
	ThinkMedium = "medium"
	ThinkHigh   = "high"
)

// ResolveThink maps a user-facing think mode to the provider-level think
// value for the given model. Returns ok=false when the request should not
// carry a think field at all (auto defers to the model default).
//
// Models with a tiered reasoning dial (gpt-oss family) take an effort
// string; everything else takes a boolean toggle.
func ResolveThink(mode, modelID string) (any, bool) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == ThinkAuto {
		return nil, false
	}

	if strings.Contains(strings.ToLower(modelID), "gpt-oss") {
		switch mode {
		case ThinkOn:
			return ThinkMedium, true
		case ThinkOff:
			return ThinkLow, true
		case ThinkLow, ThinkMedium, ThinkHigh:
			return mode, true
		default:
			return nil, false
		}
	}

	switch mode {
	case ThinkOff:
		return false, true
	case ThinkOn, ThinkLow, ThinkMedium, ThinkHigh:
		return true, true
	default:
		return nil, false
	}
}
