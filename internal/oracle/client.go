package oracle

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"tripforge/internal/model"
	"tripforge/pkg/circuitbreaker"
	"tripforge/pkg/metrics"
)

const defaultCallTimeout = 90 * time.Second

// provider 一个 OpenAI 兼容 endpoint，独立熔断
type provider struct {
	name    string
	model   shared.ChatModel
	api     openai.Client
	breaker *circuitbreaker.Breaker
}

// Client 带提供方降级链的 oracle 客户端
// 按配置顺序尝试，熔断打开或调用失败就换下一家
type Client struct {
	providers []*provider
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClient 创建客户端，providers 按降级优先级排列
func NewClient(cfgs []ProviderConfig, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("oracle: no providers configured")
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{timeout: timeout, logger: logger}
	for _, cfg := range cfgs {
		opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		br := circuitbreaker.New("oracle:"+cfg.Name, circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    2,
			Cooldown:            30 * time.Second,
			HalfOpenMaxInflight: 1,
		})
		br.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Warn("oracle circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		c.providers = append(c.providers, &provider{
			name:    cfg.Name,
			model:   shared.ChatModel(cfg.Model),
			api:     openai.NewClient(opts...),
			breaker: br,
		})
	}
	return c, nil
}

// EnrichBatch 实现 Oracle 接口
func (c *Client) EnrichBatch(ctx context.Context, emails []*model.Email, openTrips []*model.Trip) (*model.BatchEnrichment, error) {
	if len(emails) == 0 {
		return &model.BatchEnrichment{}, nil
	}
	user := buildUserPrompt(emails, openTrips)

	var lastErr error
	for _, p := range c.providers {
		batch, err := c.callProvider(ctx, p, user)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		c.logger.Warn("oracle provider failed, falling back",
			zap.String("provider", p.name),
			zap.Int("batch_size", len(emails)),
			zap.Error(err),
		)
		// 上游取消就不再换下一家
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) callProvider(ctx context.Context, p *provider, user string) (*model.BatchEnrichment, error) {
	var batch *model.BatchEnrichment
	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		completion, err := p.api.Chat.Completions.New(cctx, openai.ChatCompletionNewParams{
			Model: p.model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(systemPrompt),
				openai.UserMessage(user),
			},
			Temperature: openai.Float(0.1),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
		})
		latency := time.Since(start)
		if err != nil {
			metrics.RecordOracleCall(p.name, callStatus(err), latency)
			return err
		}
		metrics.RecordOracleCall(p.name, "success", latency)
		metrics.RecordOracleTokens(p.name, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
		c.logger.Debug("oracle call succeeded",
			zap.String("provider", p.name),
			zap.Duration("latency", latency),
			zap.Int64("prompt_tokens", completion.Usage.PromptTokens),
			zap.Int64("completion_tokens", completion.Usage.CompletionTokens),
		)

		if len(completion.Choices) == 0 {
			return &model.OracleMalformedResponseError{Cause: errors.New("completion has no choices")}
		}
		parsed, perr := ParseBatch(completion.Choices[0].Message.Content)
		if perr != nil {
			// 解析失败同样计入熔断，反复出垃圾的提供方也该被切走
			return perr
		}
		batch = parsed
		return nil
	})
	if err == nil {
		return batch, nil
	}

	var malformed *model.OracleMalformedResponseError
	if errors.As(err, &malformed) {
		return nil, malformed
	}
	return nil, &model.OracleUnavailableError{Provider: p.name, Cause: err}
}

// callStatus 打点用的结果标签
func callStatus(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return strconv.Itoa(apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
