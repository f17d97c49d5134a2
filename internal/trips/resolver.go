package trips

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tripforge/internal/model"
)

// Assignment 边界解析结果
// Attached 是挂进既有 trip 的记录，Created 的每个元素是一个待建 trip 的成员集
type Assignment struct {
	Attached map[int64][]*model.BookingRecord
	Created  [][]*model.BookingRecord
}

// Resolver 按时间窗和目的地把 booking 聚成 trip
// 所有比较都在 time.Time 上做，跨年窗口天然安全
type Resolver struct {
	homeCity        string
	adjacencyGap    time.Duration
	destinationJoin time.Duration
	logger          *zap.Logger
}

// NewResolver adjacencyGapDays 控制窗口相邻判定的放宽天数（默认 0 = 仅重叠），
// destinationJoinGapDays 控制共享目的地时允许跨越的最大空档，
// 往返航班中间没有住宿记录时靠它把去程和回程连起来
func NewResolver(homeCity string, adjacencyGapDays, destinationJoinGapDays int, logger *zap.Logger) *Resolver {
	if destinationJoinGapDays <= 0 {
		destinationJoinGapDays = 14
	}
	return &Resolver{
		homeCity:        homeCity,
		adjacencyGap:    time.Duration(adjacencyGapDays) * 24 * time.Hour,
		destinationJoin: time.Duration(destinationJoinGapDays) * 24 * time.Hour,
		logger:          logger,
	}
}

// liveTrip 解析过程中的可变窗口视图，挂上新记录立即拓宽
type liveTrip struct {
	id        int64
	startDate time.Time
	endDate   time.Time
	cluster   map[string]struct{}
}

// Resolve records 是本批重算后仍未归属 trip 的活跃最新版本记录，
// existing 是全部已持久化 trip，hints 是 oracle 的分组提示（record ID → 组名）
// 提示只影响候选顺序，窗口和目的地规则不通过的记录绝不会被并进同一个 trip
func (r *Resolver) Resolve(records []*model.BookingRecord, existing []*model.Trip, hints map[string]string) Assignment {
	assignment := Assignment{Attached: make(map[int64][]*model.BookingRecord)}
	if len(records) == 0 {
		return assignment
	}

	live := make([]*liveTrip, 0, len(existing))
	for _, t := range existing {
		live = append(live, &liveTrip{
			id:        t.ID,
			startDate: dayOf(t.StartDate),
			endDate:   dayOf(t.EndDate),
			cluster:   r.cityCluster(t.CitiesVisited),
		})
	}

	ordered := r.orderRecords(records, hints)

	var leftovers []*model.BookingRecord
	for _, rec := range ordered {
		target := r.pickTrip(rec, live)
		if target == nil {
			leftovers = append(leftovers, rec)
			continue
		}
		r.extend(target, rec)
		assignment.Attached[target.id] = append(assignment.Attached[target.id], rec)
	}

	assignment.Created = r.clusterLeftovers(leftovers)
	return assignment
}

// pickTrip 多个兼容 trip 时取 start_date 最早的，再按 ID 最小兜底；只告警不报错
func (r *Resolver) pickTrip(rec *model.BookingRecord, live []*liveTrip) *liveTrip {
	var candidates []*liveTrip
	for _, lt := range live {
		if r.compatible(rec, lt) {
			candidates = append(candidates, lt)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	chosen := candidates[0]
	for _, c := range candidates[1:] {
		if c.startDate.Before(chosen.startDate) ||
			(c.startDate.Equal(chosen.startDate) && c.id < chosen.id) {
			chosen = c
		}
	}
	if len(candidates) > 1 {
		r.logger.Warn("booking window compatible with multiple trips",
			zap.String("booking_id", rec.ID),
			zap.Int("candidates", len(candidates)),
			zap.Int64("chosen_trip_id", chosen.id),
		)
	}
	return chosen
}

// compatible 窗口重叠/相邻且目的地不冲突，或共享目的地且空档在合并上限内
func (r *Resolver) compatible(rec *model.BookingRecord, lt *liveTrip) bool {
	recStart, recEnd := dayOf(rec.StartAt), dayOf(rec.EndAt)
	recCluster := r.cityCluster(rec.Cities())

	overlaps := !recStart.After(lt.endDate.Add(r.adjacencyGap)) &&
		!recEnd.Before(lt.startDate.Add(-r.adjacencyGap))
	shared := clustersShare(recCluster, lt.cluster)

	if overlaps {
		// 同日不同目的地必须保持独立，目的地判定优先于纯日期重叠
		if len(recCluster) > 0 && len(lt.cluster) > 0 && !shared {
			return false
		}
		return true
	}
	if shared {
		return windowGap(recStart, recEnd, lt.startDate, lt.endDate) <= r.destinationJoin
	}
	return false
}

func (r *Resolver) extend(lt *liveTrip, rec *model.BookingRecord) {
	if start := dayOf(rec.StartAt); start.Before(lt.startDate) {
		lt.startDate = start
	}
	if end := dayOf(rec.EndAt); end.After(lt.endDate) {
		lt.endDate = end
	}
	for city := range r.cityCluster(rec.Cities()) {
		lt.cluster[city] = struct{}{}
	}
}

// clusterLeftovers 没有兼容既有 trip 的记录之间按传递闭包连通分量成组
func (r *Resolver) clusterLeftovers(leftovers []*model.BookingRecord) [][]*model.BookingRecord {
	if len(leftovers) == 0 {
		return nil
	}

	uf := newUnionFind(len(leftovers))
	for i := 0; i < len(leftovers); i++ {
		for j := i + 1; j < len(leftovers); j++ {
			if r.pairCompatible(leftovers[i], leftovers[j]) {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]*model.BookingRecord)
	for i, rec := range leftovers {
		root := uf.find(i)
		groups[root] = append(groups[root], rec)
	}

	created := make([][]*model.BookingRecord, 0, len(groups))
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			if !members[i].StartAt.Equal(members[j].StartAt) {
				return members[i].StartAt.Before(members[j].StartAt)
			}
			return members[i].ID < members[j].ID
		})
		created = append(created, members)
	}
	// 输出顺序按各组首条记录时间排，保证批内建 trip 顺序确定
	sort.Slice(created, func(i, j int) bool {
		if !created[i][0].StartAt.Equal(created[j][0].StartAt) {
			return created[i][0].StartAt.Before(created[j][0].StartAt)
		}
		return created[i][0].ID < created[j][0].ID
	})
	return created
}

func (r *Resolver) pairCompatible(a, b *model.BookingRecord) bool {
	return r.compatible(a, &liveTrip{
		startDate: dayOf(b.StartAt),
		endDate:   dayOf(b.EndAt),
		cluster:   r.cityCluster(b.Cities()),
	})
}

// orderRecords 时间升序，同一提示组的记录排到一起优先彼此聚类
func (r *Resolver) orderRecords(records []*model.BookingRecord, hints map[string]string) []*model.BookingRecord {
	groupName := func(rec *model.BookingRecord) string {
		if name := hints[rec.ID]; name != "" {
			return name
		}
		// 无提示的记录各自成组
		return "\x00" + rec.ID
	}

	earliest := make(map[string]time.Time, len(records))
	for _, rec := range records {
		name := groupName(rec)
		if cur, ok := earliest[name]; !ok || rec.StartAt.Before(cur) {
			earliest[name] = rec.StartAt
		}
	}

	ordered := make([]*model.BookingRecord, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		na, nb := groupName(a), groupName(b)
		if ea, eb := earliest[na], earliest[nb]; !ea.Equal(eb) {
			return ea.Before(eb)
		}
		if na != nb {
			return na < nb
		}
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		return a.ID < b.ID
	})
	return ordered
}

// cityCluster 小写去重后的目的地集合，家城市不参与目的地判定
func (r *Resolver) cityCluster(cities []string) map[string]struct{} {
	cluster := make(map[string]struct{}, len(cities))
	for _, city := range cities {
		city = strings.ToLower(strings.TrimSpace(city))
		if city == "" || strings.EqualFold(city, r.homeCity) {
			continue
		}
		cluster[city] = struct{}{}
	}
	return cluster
}

func clustersShare(a, b map[string]struct{}) bool {
	for city := range a {
		if _, ok := b[city]; ok {
			return true
		}
	}
	return false
}

// windowGap 两个日期窗之间的空档，相交时为 0
func windowGap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	if aStart.After(bEnd) {
		return aStart.Sub(bEnd)
	}
	if bStart.After(aEnd) {
		return bStart.Sub(aEnd)
	}
	return 0
}

// dayOf UTC 日期精度，比较永远落在具体时刻上，不做年内序数运算
func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// unionFind 连通分量用的并查集，带路径压缩
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
