package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON extracts and unmarshals the first JSON object found in an
// LLM response. Models routinely wrap their answer in markdown fences
// or lead with prose, so everything outside the outermost braces is
// discarded before decoding.
func ParseJSON[T any](response string) (T, error) {
	var zero T

	jsonStr := strings.TrimSpace(response)
	start := strings.Index(jsonStr, "{")
	end := strings.LastIndex(jsonStr, "}")
	if start == -1 || end == -1 || end < start {
		return zero, fmt.Errorf("no JSON object found in response")
	}
	jsonStr = jsonStr[start : end+1]

	var result T
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal JSON: %w\nData: %s", err, jsonStr)
	}
	return result, nil
}
