package rates

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTableRate(t *testing.T) {
	table := NewStaticTable("CHF", map[string]float64{
		"EUR": 0.93,
		"USD": 0.80,
	})

	rate, err := table.Rate(context.Background(), "eur", "CHF")
	require.NoError(t, err)
	assert.InDelta(t, 0.93, rate, 1e-9)

	rate, err = table.Rate(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 0.93/0.80, rate, 1e-9)

	rate, err = table.Rate(context.Background(), "CHF", "CHF")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}

func TestStaticTableUnknownCurrency(t *testing.T) {
	table := NewStaticTable("CHF", map[string]float64{"EUR": 0.93})

	_, err := table.Rate(context.Background(), "JPY", "CHF")
	var unknown *UnknownCurrencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "JPY", unknown.Currency)
}

type countingSource struct {
	calls int
	inner Source
}

func (c *countingSource) Rate(ctx context.Context, from, to string) (float64, error) {
	c.calls++
	return c.inner.Rate(ctx, from, to)
}

func TestCachedSourceHitsInnerOnce(t *testing.T) {
	counting := &countingSource{inner: NewStaticTable("CHF", map[string]float64{"EUR": 0.93})}
	cached := NewCachedSource(counting, time.Minute)

	for i := 0; i < 3; i++ {
		rate, err := cached.Rate(context.Background(), "EUR", "CHF")
		require.NoError(t, err)
		assert.InDelta(t, 0.93, rate, 1e-9)
	}
	assert.Equal(t, 1, counting.calls)

	// 失败不缓存
	_, err := cached.Rate(context.Background(), "JPY", "CHF")
	require.Error(t, err)
	_, err = cached.Rate(context.Background(), "JPY", "CHF")
	require.Error(t, err)
	assert.Equal(t, 3, counting.calls)
}
