package llm

import (
	"encoding/json"
	"errors"
	"regexp"
)

var ErrInvalidJSON = errors.New("llm response is not a valid JSON object")

var jsonObjectPattern = regexp.MustCompile(`\{[\s\S]*\}`)

// ExtractJSON 从模型输出中取出第一个 { 到最后一个 } 之间的 JSON 对象
func ExtractJSON(text string) (json.RawMessage, error) {
	match := jsonObjectPattern.FindString(text)
	if match == "" {
		return nil, ErrInvalidJSON
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(match), &obj); err != nil {
		return nil, ErrInvalidJSON
	}

	return json.RawMessage(match), nil
}
