package poller

import (
	"encoding/json"
	"fmt"

	"call-insights-go/internal/types"
)

// Ready applies the readiness predicate to a call-details body. A body is
// final when both "analysis" and "summary" are present and truthy. Any other
// JSON shape is "not ready"; only undecodable bodies return an error.
//
// warnings lists fields that were present but could not be interpreted. They
// never affect readiness.
func Ready(body []byte) (res *types.CallResult, ready bool, warnings []string, err error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false, nil, fmt.Errorf("malformed call details body: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, false, nil, nil
	}
	if !truthy(obj["analysis"]) || !truthy(obj["summary"]) {
		return nil, false, nil, nil
	}

	res = &types.CallResult{Raw: append(json.RawMessage(nil), body...)}
	switch s := obj["summary"].(type) {
	case string:
		res.Summary = s
	default:
		b, _ := json.Marshal(s)
		res.Summary = string(b)
		warnings = append(warnings, "summary is not a string")
	}

	analysis, _ := obj["analysis"].(map[string]any)
	sd, _ := analysis["structuredData"].(map[string]any)
	for k, v := range sd {
		if k == "Task_Score" {
			if score, ok := v.(float64); ok {
				res.Analysis.StructuredData.TaskScore = &score
			} else {
				warnings = append(warnings, fmt.Sprintf("Task_Score is not numeric: %v", v))
			}
			continue
		}
		if res.Analysis.StructuredData.Extra == nil {
			res.Analysis.StructuredData.Extra = map[string]any{}
		}
		res.Analysis.StructuredData.Extra[k] = v
	}
	return res, true, warnings, nil
}

// truthy reports whether a decoded field counts as present. null, false, 0
// and "" do not.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
