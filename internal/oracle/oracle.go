package oracle

import (
	"context"

	"tripforge/internal/model"
)

// Oracle 批量富化接口：一批邮件 + 当前未关账的 trip 快照 → 提取结果
// openTrips 只是给模型的上下文，输出永远要过 resolver，不允许绕过
type Oracle interface {
	EnrichBatch(ctx context.Context, emails []*model.Email, openTrips []*model.Trip) (*model.BatchEnrichment, error)
}

// ProviderConfig 单个 OpenAI 兼容 endpoint 的配置
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}
