package rates

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Source 汇率查询来源
// Trip Aggregator 只依赖这个接口，查不到就走降级路径，绝不因汇率中断聚合
type Source interface {
	// Rate 返回 1 单位 from 兑多少 to
	Rate(ctx context.Context, from, to string) (float64, error)
}

// UnknownCurrencyError 配置表里没有的币种
type UnknownCurrencyError struct {
	Currency string
}

func (e *UnknownCurrencyError) Error() string {
	return fmt.Sprintf("unknown currency %q", e.Currency)
}

// StaticTable 静态汇率表，按基准币种配置各币种的折算率
// 只服务离线聚合的降级友好场景，不是实时行情
type StaticTable struct {
	base string
	// toBase[X] = 1 单位 X 折多少基准币
	toBase map[string]float64
}

// NewStaticTable base 自身的折算率恒为 1，配置里可省略
func NewStaticTable(base string, toBase map[string]float64) *StaticTable {
	normalized := make(map[string]float64, len(toBase)+1)
	for currency, rate := range toBase {
		if rate > 0 {
			normalized[strings.ToUpper(strings.TrimSpace(currency))] = rate
		}
	}
	base = strings.ToUpper(strings.TrimSpace(base))
	normalized[base] = 1
	return &StaticTable{base: base, toBase: normalized}
}

func (s *StaticTable) Rate(_ context.Context, from, to string) (float64, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return 1, nil
	}
	fromRate, ok := s.toBase[from]
	if !ok {
		return 0, &UnknownCurrencyError{Currency: from}
	}
	toRate, ok := s.toBase[to]
	if !ok {
		return 0, &UnknownCurrencyError{Currency: to}
	}
	return fromRate / toRate, nil
}

// CachedSource 给任意 Source 套一层 TTL 缓存
// 静态表不需要，但换成远端行情源时聚合热路径不该每条 booking 打一次网络
type CachedSource struct {
	inner Source
	cache *gocache.Cache
}

func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedSource{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedSource) Rate(ctx context.Context, from, to string) (float64, error) {
	key := strings.ToUpper(strings.TrimSpace(from)) + ":" + strings.ToUpper(strings.TrimSpace(to))
	if cached, ok := c.cache.Get(key); ok {
		return cached.(float64), nil
	}
	rate, err := c.inner.Rate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.cache.SetDefault(key, rate)
	return rate, nil
}
