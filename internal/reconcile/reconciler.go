package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tripforge/internal/model"
	"tripforge/internal/normalize"
)

// Action 版本裁决结果
type Action string

const (
	ActionInsert    Action = "insert"
	ActionSupersede Action = "supersede"
	ActionCancel    Action = "cancel"
	ActionNoOp      Action = "noop"
)

// Decision 单条草稿对其 identity_key 版本链的裁决
// Record 是裁决后要落库的记录（NoOp 时为合并了来源信息的现存 latest），
// Demoted 是需要清掉 is_latest_version 的旧版本，含 tie-break 修复出来的
type Decision struct {
	Action  Action
	Record  *model.BookingRecord
	Demoted []*model.BookingRecord
	Changed bool
}

// Reconciler 把规范化草稿并入已持久化的版本链
// 不做任何 IO：key 的派生和裁决都在内存里完成，由调用方取数和落库
type Reconciler struct {
	window time.Duration
	logger *zap.Logger
}

func New(roundingWindow time.Duration, logger *zap.Logger) *Reconciler {
	if roundingWindow <= 0 {
		roundingWindow = time.Hour
	}
	return &Reconciler{window: roundingWindow, logger: logger}
}

// AssignIdentity 给草稿派生 identity_key，调用方再按 key 取版本链
// 无确认号时退化为合成 key（低置信度匹配），记 AmbiguousIdentityError 但不终止
func (r *Reconciler) AssignIdentity(d *normalize.Draft) {
	rec := d.Record
	rec.LastSourceAt = d.EmailReceivedAt

	if d.Confirmation != "" {
		rec.IdentityKey = confirmationKey(rec, d.Confirmation)
		rec.SyntheticKey = false
		return
	}

	rec.IdentityKey = model.SynthesizedIdentityKey(rec.Kind, rec.StartAt, identityLocation(rec), r.window)
	rec.SyntheticKey = true
	ambiguous := &model.AmbiguousIdentityError{
		Kind:   rec.Kind,
		Reason: "no confirmation number, matching on synthesized key",
	}
	r.logger.Warn("identity key synthesized",
		zap.String("identity_key", rec.IdentityKey),
		zap.Error(ambiguous),
	)
}

// confirmationKey 确认号派生的 key
// 交通段追加段号区分：同一确认号下往返两段是两条独立的版本链，
// 无段号时用出发日期兜底（同日改签仍落在同一条链上）
func confirmationKey(rec *model.BookingRecord, confirmation string) string {
	key := model.ConfirmationIdentityKey(rec.Kind, confirmation)
	if rec.Kind != model.KindTransport || rec.Transport == nil {
		return key
	}
	if seg := strings.TrimSpace(rec.Transport.SegmentNumber); seg != "" {
		return key + ":" + strings.ToUpper(seg)
	}
	return key + ":" + rec.Transport.DepartureAt.UTC().Format("2006-01-02")
}

// identityLocation 合成 key 用的地点，主要地点为空时逐级回退到变体名称
func identityLocation(rec *model.BookingRecord) string {
	if loc := rec.PrimaryLocation(); strings.TrimSpace(loc) != "" {
		return loc
	}
	switch rec.Kind {
	case model.KindAccommodation:
		if rec.Accommodation != nil {
			return rec.Accommodation.PropertyName
		}
	case model.KindActivity:
		if rec.Activity != nil {
			return rec.Activity.ActivityName
		}
	case model.KindCruise:
		if rec.Cruise != nil {
			return rec.Cruise.ShipName
		}
	}
	return ""
}

// OrderDrafts 批内按来源邮件时间升序排，保证 supersede/cancel 裁决确定性
func OrderDrafts(drafts []normalize.Draft) {
	sort.SliceStable(drafts, func(i, j int) bool {
		a, b := drafts[i], drafts[j]
		if !a.EmailReceivedAt.Equal(b.EmailReceivedAt) {
			return a.EmailReceivedAt.Before(b.EmailReceivedAt)
		}
		return sourceID(a) < sourceID(b)
	})
}

func sourceID(d normalize.Draft) string {
	if len(d.Record.SourceEmailIDs) > 0 {
		return d.Record.SourceEmailIDs[0]
	}
	return ""
}

// Decide 对一条已派生 key 的草稿和它 key 下的全部持久化记录做裁决
// priors 可以乱序、可以包含损坏的多 latest 状态，裁决内会一并修复
func (r *Reconciler) Decide(d *normalize.Draft, priors []*model.BookingRecord) Decision {
	rec := d.Record
	current, demoted := currentLatest(priors)

	if current == nil {
		r.prepareNewVersion(rec, nil)
		return Decision{Action: ActionInsert, Record: rec, Demoted: demoted, Changed: true}
	}

	if len(demoted) > 0 {
		r.logger.Warn("repairing duplicate latest versions",
			zap.String("identity_key", rec.IdentityKey),
			zap.Int("demoted", len(demoted)),
		)
	}

	if rec.SameContent(current) {
		changed := len(demoted) > 0
		for _, emailID := range rec.SourceEmailIDs {
			before := len(current.SourceEmailIDs)
			current.AddSourceEmail(emailID)
			if len(current.SourceEmailIDs) != before {
				changed = true
			}
		}
		if rec.LastSourceAt.After(current.LastSourceAt) {
			current.LastSourceAt = rec.LastSourceAt
			changed = true
		}
		if !current.IsLatestVersion {
			current.IsLatestVersion = true
			changed = true
		}
		return Decision{Action: ActionNoOp, Record: current, Demoted: demoted, Changed: changed}
	}

	action := ActionSupersede
	if rec.Status == model.BookingCancelled {
		action = ActionCancel
	}

	if current.IsLatestVersion {
		current.IsLatestVersion = false
		demoted = append(demoted, current)
	}
	r.prepareNewVersion(rec, current)
	return Decision{Action: action, Record: rec, Demoted: demoted, Changed: true}
}

func (r *Reconciler) prepareNewVersion(rec *model.BookingRecord, prior *model.BookingRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.IsLatestVersion = true
	if prior != nil {
		priorID := prior.ID
		rec.Supersedes = &priorID
		if prior.TripID != nil {
			tripID := *prior.TripID
			rec.TripID = &tripID
		}
	}
}

// currentLatest 从版本链里选出当前权威版本并找出要修复的重复 latest
// 多条 latest 并存时取来源邮件时间最大的，再按 ID 字典序最大兜底
func currentLatest(priors []*model.BookingRecord) (*model.BookingRecord, []*model.BookingRecord) {
	var flagged []*model.BookingRecord
	for _, p := range priors {
		if p.IsLatestVersion {
			flagged = append(flagged, p)
		}
	}

	pool := flagged
	if len(pool) == 0 {
		pool = priors
	}
	var current *model.BookingRecord
	for _, p := range pool {
		if current == nil || moreCurrent(p, current) {
			current = p
		}
	}

	var demoted []*model.BookingRecord
	for _, p := range flagged {
		if p != current {
			p.IsLatestVersion = false
			demoted = append(demoted, p)
		}
	}
	return current, demoted
}

func moreCurrent(a, b *model.BookingRecord) bool {
	if !a.LastSourceAt.Equal(b.LastSourceAt) {
		return a.LastSourceAt.After(b.LastSourceAt)
	}
	return a.ID > b.ID
}
