package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tripforge/internal/model"
	"tripforge/internal/pipeline"
	"tripforge/pkg/util"
)

// EmailClassifiedPayload email.classified 事件载荷，上游分类器发出
type EmailClassifiedPayload struct {
	EmailID        string    `json:"email_id"`
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	BodyText       string    `json:"body_text"`
	Classification string    `json:"classification"`
	ReceivedAt     time.Time `json:"received_at"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// EmailClassifiedHandler 消费 email.classified，把已分类邮件落成 pending 行
type EmailClassifiedHandler struct {
	pipeline *pipeline.Service
	deduper  *util.Deduper
	logger   *zap.Logger
}

func NewEmailClassifiedHandler(p *pipeline.Service, deduper *util.Deduper, logger *zap.Logger) *EmailClassifiedHandler {
	return &EmailClassifiedHandler{
		pipeline: p,
		deduper:  deduper,
		logger:   logger,
	}
}

// HandleEmailClassified 幂等消费：Upsert 对重复投递是 no-op
// 返回 error 只在可重试的基础设施故障时，其余情况 ack 掉
func (h *EmailClassifiedHandler) HandleEmailClassified(ctx context.Context, raw json.RawMessage) error {
	// Panic 恢复：确保 handler 是稳态的
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic in HandleEmailClassified", zap.Any("panic", r))
		}
	}()

	var p EmailClassifiedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal email classified payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		return fmt.Errorf("json_unmarshal_error: %w", err)
	}
	if p.EmailID == "" {
		h.logger.Error("email classified payload has no email_id, dropping",
			zap.String("raw_payload", string(raw)),
		)
		return nil
	}

	classification := model.Classification(p.Classification)
	if !classification.IsTravel() {
		// 非旅行类目不进 pipeline，直接 ack
		h.logger.Debug("Skipping non-travel classification",
			zap.String("email_id", p.EmailID),
			zap.String("classification", p.Classification),
		)
		return nil
	}

	// Redis 去重：短路重复投递，Redis 不可用时退化成纯 Upsert 幂等
	if h.deduper != nil && !h.deduper.AcquireOnce(ctx, "ingest", p.EmailID) {
		h.logger.Info("Skipped duplicated email classified event",
			zap.String("email_id", p.EmailID),
		)
		return nil
	}

	receivedAt := p.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	err := h.pipeline.IngestEmail(ctx, &model.Email{
		ID:             p.EmailID,
		Subject:        p.Subject,
		Sender:         p.Sender,
		BodyText:       p.BodyText,
		Classification: classification,
		ReceivedAt:     receivedAt,
	})
	if err != nil {
		isRetryable, errType := util.IsRetryableError(err)
		h.logger.Error("Failed to ingest classified email",
			zap.String("email_id", p.EmailID),
			zap.String("error_type", errType),
			zap.Bool("retryable", isRetryable),
			zap.Error(err),
		)
		if !isRetryable {
			return nil
		}
		return err
	}

	h.logger.Info("Classified email ingested",
		zap.String("email_id", p.EmailID),
		zap.String("classification", p.Classification),
	)
	return nil
}
