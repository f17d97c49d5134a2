package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"tripforge/internal/batch"
	"tripforge/internal/model"
	"tripforge/internal/normalize"
	"tripforge/internal/oracle"
	"tripforge/internal/reconcile"
	"tripforge/internal/repository"
	"tripforge/internal/trips"
	"tripforge/pkg/metrics"
)

// Reset 范围
const (
	ScopeProcessing = "processing_state"
	ScopeTrips      = "trips"
	ScopeAll        = "all"
)

var (
	// ErrAlreadyRunning 同一引擎同时只允许一个 detection run
	ErrAlreadyRunning = errors.New("a detection run is already in flight")
	// ErrNoEligibleEmails 没有可处理的邮件
	ErrNoEligibleEmails = errors.New("no eligible pending emails")
)

// Options 引擎参数
type Options struct {
	BatchSize   int // 每批邮件数，默认 10
	WorkerCount int // oracle 调用并发度，默认 3
}

// Service 检测管线：认领 → oracle 富化 → 规范化 → 版本裁决 → 边界求解 → 聚合
// oracle 调用并发；裁决到聚合的写入阶段整体在 engineMu 互斥区内单线程执行
type Service struct {
	emails     repository.EmailStore
	bookings   repository.BookingStore
	tripStore  repository.TripStore
	runs       repository.RunStore
	tracker    *batch.Tracker
	oracle     oracle.Oracle
	normalizer *normalize.Normalizer
	reconciler *reconcile.Reconciler
	resolver   *trips.Resolver
	aggregator *trips.Aggregator
	events     EventSink
	logger     *zap.Logger

	batchSize   int
	workerCount int

	// 写入阶段互斥区
	engineMu sync.Mutex

	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	progress model.Progress
}

// New 组装管线
func New(
	emails repository.EmailStore,
	bookings repository.BookingStore,
	tripStore repository.TripStore,
	runs repository.RunStore,
	tracker *batch.Tracker,
	orc oracle.Oracle,
	normalizer *normalize.Normalizer,
	reconciler *reconcile.Reconciler,
	resolver *trips.Resolver,
	aggregator *trips.Aggregator,
	events EventSink,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 3
	}
	if events == nil {
		events = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		emails:      emails,
		bookings:    bookings,
		tripStore:   tripStore,
		runs:        runs,
		tracker:     tracker,
		oracle:      orc,
		normalizer:  normalizer,
		reconciler:  reconciler,
		resolver:    resolver,
		aggregator:  aggregator,
		events:      events,
		logger:      logger,
		batchSize:   opts.BatchSize,
		workerCount: opts.WorkerCount,
	}
}

// SubmitBatch 受理一次 detection run 并在后台执行
// emailIDs 为空表示处理全部 pending 邮件；返回受理回执
func (s *Service) SubmitBatch(ctx context.Context, emailIDs []string) (*model.DetectionRun, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.running = true
	s.stopping = false
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}

	// run 开始前先把卡死的 processing 和预算内的 failed 捞回来
	if err := s.tracker.Recover(ctx); err != nil {
		release()
		return nil, err
	}

	eligible, err := s.eligibleEmails(ctx, emailIDs)
	if err != nil {
		release()
		return nil, err
	}
	if len(eligible) == 0 {
		release()
		return nil, ErrNoEligibleEmails
	}

	run := &model.DetectionRun{
		ID:       uuid.NewString(),
		EmailIDs: lo.Map(eligible, func(e *model.Email, _ int) string { return e.ID }),
		State:    model.RunRunning,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		release()
		return nil, err
	}

	totalBatches := (len(eligible) + s.batchSize - 1) / s.batchSize
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.progress = model.Progress{
		IsRunning:    true,
		TotalEmails:  len(eligible),
		TotalBatches: totalBatches,
		Message:      "run accepted",
	}
	s.mu.Unlock()
	metrics.SetPipelineRunning(true)

	receipt := *run
	go s.run(runCtx, run, eligible)
	return &receipt, nil
}

// Stop 请求在当前批次结束后停止，返回是否有 run 在跑
func (s *Service) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.stopping = true
	return true
}

// Shutdown 取消在途 run（进程退出用），当前批次的写入阶段会先做完
func (s *Service) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.stopping = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Progress 当前进度快照
func (s *Service) Progress() model.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Running 是否有 run 在跑
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) run(ctx context.Context, run *model.DetectionRun, eligible []*model.Email) {
	start := time.Now()
	defer metrics.SetPipelineRunning(false)

	outcome := "completed"
	batches := lo.Chunk(eligible, s.batchSize)
	for i, group := range batches {
		if ctx.Err() != nil || s.stopRequested() {
			run.State = model.RunStopped
			outcome = "aborted"
			s.logger.Info("detection run stopped between batches",
				zap.String("run_id", run.ID),
				zap.Int("batches_done", i),
			)
			break
		}

		s.setProgress(func(p *model.Progress) {
			p.CurrentBatch = i + 1
			p.Message = fmt.Sprintf("processing batch %d/%d", i+1, len(batches))
		})

		if err := s.processBatch(ctx, run, group); err != nil {
			// 基础设施级失败整个 run 收场；已认领未处理的邮件留在
			// processing，靠下一轮 Recover 的超时回收捞回来
			run.State = model.RunFailed
			outcome = "failed"
			s.logger.Error("batch processing failed",
				zap.String("run_id", run.ID),
				zap.Int("batch", i+1),
				zap.Error(err),
			)
			s.setProgress(func(p *model.Progress) { p.Error = err.Error() })
			break
		}

		s.setProgress(func(p *model.Progress) {
			p.ProcessedEmails = run.Completed
			p.FailedEmails = run.Failed
			p.TripsFound = run.TripsTouched
		})
		if err := s.runs.Update(ctx, run); err != nil {
			s.logger.Warn("failed to persist run progress", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	if run.State == model.RunRunning {
		run.State = model.RunCompleted
	}
	now := time.Now()
	run.FinishedAt = &now

	// 收尾用独立 context，shutdown 取消不能丢掉终态
	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinal()
	if err := s.runs.Update(finalCtx, run); err != nil {
		s.logger.Error("failed to persist run final state", zap.String("run_id", run.ID), zap.Error(err))
	}
	s.emit(finalCtx, "batch", run.ID, "batch.completed", BatchCompletedEvent{
		BatchID:      run.ID,
		State:        string(run.State),
		Completed:    run.Completed,
		Failed:       run.Failed,
		TripsTouched: run.TripsTouched,
	})
	metrics.RecordBatchDuration(outcome, time.Since(start))

	s.logger.Info("detection run finished",
		zap.String("run_id", run.ID),
		zap.String("state", string(run.State)),
		zap.Int("completed", run.Completed),
		zap.Int("failed", run.Failed),
		zap.Int("non_booking", run.NonBooking),
		zap.Int("trips_touched", run.TripsTouched),
		zap.Duration("took", time.Since(start)),
	)

	s.setProgress(func(p *model.Progress) {
		p.IsRunning = false
		p.Finished = true
		p.ProcessedEmails = run.Completed
		p.FailedEmails = run.Failed
		p.TripsFound = run.TripsTouched
		p.Message = fmt.Sprintf("run %s", run.State)
	})
	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
}

// processBatch 处理一个批次。返回 error 只用于基础设施故障，
// 单封邮件的失败在内部消化，不会中断批次
func (s *Service) processBatch(ctx context.Context, run *model.DetectionRun, group []*model.Email) error {
	claimed := make([]*model.Email, 0, len(group))
	for _, e := range group {
		ok, err := s.tracker.Claim(ctx, run.ID, e.ID)
		if err != nil {
			return err
		}
		if ok {
			claimed = append(claimed, e)
		}
	}
	if len(claimed) == 0 {
		return nil
	}

	// 未关账 trip 快照只是给 oracle 的上下文，连续性完全由 resolver 决定
	open, err := s.tripStore.List(ctx)
	if err != nil {
		return err
	}

	enrichment, oracleFailures := s.enrich(ctx, claimed, open)

	// 写入阶段互斥区
	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	var drafts []normalize.Draft
	nonBooking := []string{}
	awaitingTrips := []string{}
	for _, e := range claimed {
		if cause, ok := oracleFailures[e.ID]; ok {
			s.failEmail(ctx, run, e.ID, cause)
			continue
		}
		res := enrichment.ResultFor(e.ID)
		if res == nil {
			s.failEmail(ctx, run, e.ID, &model.OracleMalformedResponseError{
				Cause: fmt.Errorf("oracle returned no result for email %s", e.ID),
			})
			continue
		}
		if res.NonBooking {
			nonBooking = append(nonBooking, e.ID)
			continue
		}

		got, err := s.normalizer.Normalize(e, res)
		if err != nil {
			s.failEmail(ctx, run, e.ID, err)
			continue
		}
		if len(got) == 0 {
			// 有 booking 声明但全被过滤（测试预订、本地短事件）
			nonBooking = append(nonBooking, e.ID)
			continue
		}
		for i := range got {
			s.reconciler.AssignIdentity(&got[i])
		}
		drafts = append(drafts, got...)
		awaitingTrips = append(awaitingTrips, e.ID)
	}

	// 邮件时间序裁决，乱序批次收敛到同一终态
	reconcile.OrderDrafts(drafts)

	touched := map[int64]struct{}{}
	created := map[int64]struct{}{}
	unattached := []*model.BookingRecord{}
	seen := map[string]struct{}{}
	hints := map[string]string{}
	for i := range drafts {
		d := &drafts[i]
		priors, err := s.bookings.ListByIdentityKey(ctx, d.Record.IdentityKey)
		if err != nil {
			return err
		}
		dec := s.reconciler.Decide(d, priors)
		metrics.IncrementReconcileDecision(string(dec.Action))

		for _, dem := range dec.Demoted {
			if err := s.bookings.Save(ctx, dem); err != nil {
				return err
			}
		}
		changed := dec.Action != reconcile.ActionNoOp || dec.Changed
		if changed {
			if err := s.bookings.Save(ctx, dec.Record); err != nil {
				return err
			}
		}

		if dec.Record.TripID != nil {
			// 已归属的版本链变了才需要重算 trip
			if changed {
				touched[*dec.Record.TripID] = struct{}{}
			}
			continue
		}
		if _, dup := seen[dec.Record.ID]; dup {
			continue
		}
		seen[dec.Record.ID] = struct{}{}
		unattached = append(unattached, dec.Record)
		if d.TripHint != "" {
			hints[dec.Record.ID] = d.TripHint
		}
	}

	if len(unattached) > 0 {
		existing, err := s.tripStore.List(ctx)
		if err != nil {
			return err
		}
		assignment := s.resolver.Resolve(unattached, existing, hints)

		for tripID, members := range assignment.Attached {
			if err := s.bookings.AssignTrip(ctx, recordIDs(members), tripID); err != nil {
				return err
			}
			touched[tripID] = struct{}{}
			metrics.IncrementTripChange("extended")
		}
		for _, members := range assignment.Created {
			t := &model.Trip{Status: model.TripConfirmed, DataSource: "detected"}
			if err := s.tripStore.Create(ctx, t); err != nil {
				return err
			}
			if err := s.bookings.AssignTrip(ctx, recordIDs(members), t.ID); err != nil {
				return err
			}
			touched[t.ID] = struct{}{}
			created[t.ID] = struct{}{}
			metrics.IncrementTripChange("created")
		}
	}

	// 聚合重算并落库；trip 先于邮件状态提交，崩溃后重放只会多算不会丢
	tripIDs := lo.Keys(touched)
	sort.Slice(tripIDs, func(i, j int) bool { return tripIDs[i] < tripIDs[j] })
	for _, id := range tripIDs {
		trip, err := s.tripStore.GetByID(ctx, id)
		if err != nil {
			return err
		}
		members, err := s.bookings.ListByTrip(ctx, id)
		if err != nil {
			return err
		}
		s.aggregator.Recompute(ctx, trip, members)
		if err := s.tripStore.Update(ctx, trip); err != nil {
			return err
		}
		metrics.IncrementTripChange("recomputed")

		change := "updated"
		if _, ok := created[id]; ok {
			change = "created"
		}
		s.emit(ctx, "trip", strconv.FormatInt(id, 10), "trip.updated", TripUpdatedEvent{
			TripID:  id,
			BatchID: run.ID,
			Change:  change,
		})
	}
	run.TripsTouched += len(tripIDs)

	for _, id := range nonBooking {
		if err := s.tracker.Complete(ctx, id); err != nil {
			return err
		}
		run.NonBooking++
		run.Completed++
	}
	for _, id := range awaitingTrips {
		if err := s.tracker.Complete(ctx, id); err != nil {
			return err
		}
		run.Completed++
	}
	return nil
}

// enrich 把批次切成 workerCount 份并发调 oracle
// 子批次失败只影响自己的邮件，其余正常走完
func (s *Service) enrich(ctx context.Context, claimed []*model.Email, open []*model.Trip) (*model.BatchEnrichment, map[string]error) {
	chunkSize := (len(claimed) + s.workerCount - 1) / s.workerCount
	chunks := lo.Chunk(claimed, chunkSize)

	type chunkResult struct {
		batch *model.BatchEnrichment
		err   error
	}
	results := make([]chunkResult, len(chunks))
	var wg sync.WaitGroup
	for i := range chunks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := s.oracle.EnrichBatch(ctx, chunks[i], open)
			results[i] = chunkResult{batch: b, err: err}
		}(i)
	}
	wg.Wait()

	merged := &model.BatchEnrichment{}
	failures := map[string]error{}
	for i, r := range results {
		if r.err != nil {
			for _, e := range chunks[i] {
				failures[e.ID] = r.err
			}
			continue
		}
		merged.Results = append(merged.Results, r.batch.Results...)
	}
	return merged, failures
}

// eligibleEmails 圈定本次 run 的邮件；显式 ID 以库里 pending 状态为准
func (s *Service) eligibleEmails(ctx context.Context, emailIDs []string) ([]*model.Email, error) {
	if len(emailIDs) == 0 {
		return s.emails.ListByState(ctx, model.StatePending, 0)
	}
	listed, err := s.emails.ListByIDs(ctx, emailIDs)
	if err != nil {
		return nil, err
	}
	return lo.Filter(listed, func(e *model.Email, _ int) bool {
		return e.ProcessingState == model.StatePending
	}), nil
}

func (s *Service) failEmail(ctx context.Context, run *model.DetectionRun, id string, cause error) {
	if _, err := s.tracker.Fail(ctx, id, cause); err != nil {
		s.logger.Error("failed to record email failure",
			zap.String("email_id", id),
			zap.Error(err),
		)
	}
	run.Failed++
}

func (s *Service) emit(ctx context.Context, aggregateType, aggregateID, routingKey string, payload any) {
	if err := s.events.Emit(ctx, aggregateType, aggregateID, routingKey, payload); err != nil {
		s.logger.Warn("failed to emit event",
			zap.String("routing_key", routingKey),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err),
		)
	}
}

func (s *Service) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Service) setProgress(apply func(*model.Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(&s.progress)
}

func recordIDs(records []*model.BookingRecord) []string {
	return lo.Map(records, func(r *model.BookingRecord, _ int) string { return r.ID })
}
