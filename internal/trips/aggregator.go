package trips

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tripforge/internal/model"
	"tripforge/internal/rates"
)

// Aggregator 从成员 booking 重算 trip 的全部派生字段
// 重算是幂等的：成员集不变时两次重算的结果完全一致
type Aggregator struct {
	homeCity          string
	reportingCurrency string
	rates             rates.Source
	logger            *zap.Logger
}

func NewAggregator(homeCity, reportingCurrency string, src rates.Source, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		homeCity:          homeCity,
		reportingCurrency: strings.ToUpper(strings.TrimSpace(reportingCurrency)),
		rates:             src,
		logger:            logger,
	}
}

// Recompute members 是该 trip 全部最新版本成员，含 cancelled（留作审计）
// cancelled 成员只影响 status，不进成本和城市序列
func (a *Aggregator) Recompute(ctx context.Context, trip *model.Trip, members []*model.BookingRecord) {
	sort.Slice(members, func(i, j int) bool {
		x, y := members[i], members[j]
		if !x.StartAt.Equal(y.StartAt) {
			return x.StartAt.Before(y.StartAt)
		}
		if !x.EndAt.Equal(y.EndAt) {
			return x.EndAt.Before(y.EndAt)
		}
		return x.ID < y.ID
	})

	var active []*model.BookingRecord
	hasCancellations := false
	for _, m := range members {
		if m.Status == model.BookingCancelled {
			hasCancellations = true
			continue
		}
		active = append(active, m)
	}

	trip.TransportIDs = nil
	trip.AccommodationIDs = nil
	trip.ActivityIDs = nil
	trip.CruiseIDs = nil
	for _, m := range members {
		trip.AddMember(m)
	}

	if hasCancellations {
		trip.Status = model.TripHasCancellations
	} else {
		trip.Status = model.TripConfirmed
	}
	trip.OriginCity = a.homeCity
	if trip.DataSource == "" {
		trip.DataSource = "detected"
	}

	// 全部被取消的 trip 保留原窗口和城市做展示，成本归零
	display := active
	if len(display) == 0 {
		display = members
	}
	if len(display) > 0 {
		start, end := display[0].StartAt, display[0].EndAt
		for _, m := range display[1:] {
			if m.StartAt.Before(start) {
				start = m.StartAt
			}
			if m.EndAt.After(end) {
				end = m.EndAt
			}
		}
		trip.StartDate = dayOf(start)
		trip.EndDate = dayOf(end)
	}

	trip.CitiesVisited = a.citiesVisited(display)
	trip.PrimaryDestination = a.primaryDestination(display)
	trip.Name = a.tripName(trip)
	trip.TotalCost, trip.Currency, trip.Converted = a.totalCost(ctx, trip, active)
}

// citiesVisited 按时间序拼接成员城市，只去掉连续重复
func (a *Aggregator) citiesVisited(members []*model.BookingRecord) []string {
	var cities []string
	for _, m := range members {
		for _, city := range m.Cities() {
			city = strings.TrimSpace(city)
			if city == "" {
				continue
			}
			if len(cities) > 0 && strings.EqualFold(cities[len(cities)-1], city) {
				continue
			}
			cities = append(cities, city)
		}
	}
	return cities
}

// primaryDestination 驻留时间最长的非家城市，平手取时间序上先出现的
func (a *Aggregator) primaryDestination(members []*model.BookingRecord) string {
	dwell := make(map[string]time.Duration)
	display := make(map[string]string)
	var order []string

	for _, m := range members {
		duration := m.EndAt.Sub(m.StartAt)
		seen := make(map[string]struct{})
		for _, city := range m.Cities() {
			trimmed := strings.TrimSpace(city)
			if trimmed == "" || strings.EqualFold(trimmed, a.homeCity) {
				continue
			}
			key := strings.ToLower(trimmed)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if _, known := dwell[key]; !known {
				order = append(order, key)
				display[key] = trimmed
			}
			dwell[key] += duration
		}
	}

	best := ""
	var bestDwell time.Duration
	for _, key := range order {
		if best == "" || dwell[key] > bestDwell {
			best = key
			bestDwell = dwell[key]
		}
	}
	if best == "" {
		// 全程都在家城市附近，退回家城市命名
		return a.homeCity
	}
	return display[best]
}

func (a *Aggregator) tripName(trip *model.Trip) string {
	if trip.PrimaryDestination == "" || trip.StartDate.IsZero() {
		return trip.Name
	}
	return fmt.Sprintf("%s %s", trip.PrimaryDestination, trip.StartDate.Format("Jan 2006"))
}

// totalCost 活跃成员成本折算到记账币种求和
// 任何一次汇率查询失败都整体降级为未折算的原币合计，绝不让聚合失败
func (a *Aggregator) totalCost(ctx context.Context, trip *model.Trip, active []*model.BookingRecord) (float64, string, bool) {
	converted := 0.0
	for _, m := range active {
		if m.Cost == 0 {
			continue
		}
		currency := strings.ToUpper(strings.TrimSpace(m.Currency))
		if currency == "" || currency == a.reportingCurrency {
			converted += m.Cost
			continue
		}
		rate, err := a.rates.Rate(ctx, currency, a.reportingCurrency)
		if err != nil {
			a.logger.Warn("rate lookup failed, keeping native totals",
				zap.Int64("trip_id", trip.ID),
				zap.String("currency", currency),
				zap.Error(err),
			)
			return a.nativeTotal(active)
		}
		converted += m.Cost * rate
	}
	return converted, a.reportingCurrency, true
}

// nativeTotal 降级合计：原币直加，币种报成本占比最大的那个
func (a *Aggregator) nativeTotal(active []*model.BookingRecord) (float64, string, bool) {
	total := 0.0
	share := make(map[string]float64)
	for _, m := range active {
		if m.Cost == 0 {
			continue
		}
		total += m.Cost
		currency := strings.ToUpper(strings.TrimSpace(m.Currency))
		if currency == "" {
			currency = a.reportingCurrency
		}
		share[currency] += m.Cost
	}

	dominant := a.reportingCurrency
	bestShare := 0.0
	currencies := make([]string, 0, len(share))
	for currency := range share {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)
	for _, currency := range currencies {
		if share[currency] > bestShare {
			dominant = currency
			bestShare = share[currency]
		}
	}
	return total, dominant, false
}
