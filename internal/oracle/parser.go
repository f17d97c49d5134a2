package oracle

import (
	"encoding/json"
	"errors"
	"strings"

	"tripforge/internal/model"
)

const snippetLen = 200

// ParseBatch 解析 oracle 的原始响应
// 容忍 markdown 代码围栏和前后杂讯，JSON 本体必须满足契约
func ParseBatch(raw string) (*model.BatchEnrichment, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, &model.OracleMalformedResponseError{
			Cause:   errors.New("no JSON object found"),
			Snippet: snippet(raw),
		}
	}

	var batch model.BatchEnrichment
	if err := json.Unmarshal([]byte(body), &batch); err != nil {
		return nil, &model.OracleMalformedResponseError{
			Cause:   err,
			Snippet: snippet(body),
		}
	}

	if len(batch.Results) == 0 {
		return nil, &model.OracleMalformedResponseError{
			Cause:   errors.New("results array missing or empty"),
			Snippet: snippet(body),
		}
	}
	for i := range batch.Results {
		if batch.Results[i].EmailID == "" {
			return nil, &model.OracleMalformedResponseError{
				Cause:   errors.New("result without email_id"),
				Snippet: snippet(body),
			}
		}
	}
	return &batch, nil
}

// extractJSON 剥掉围栏后取第一个 { 到最后一个 } 之间的内容
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > snippetLen {
		return s[:snippetLen]
	}
	return s
}
