package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/importfolio/internal/modules/optimization"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	return store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestStore_SaveAndGetPriceSeries(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	points := []optimization.PricePoint{
		{Date: day(2024, 1, 1), Close: 100},
		{Date: day(2024, 1, 2), Close: 101},
		{Date: day(2024, 1, 3), Close: 99.5},
	}
	require.NoError(t, store.SavePrices(ctx, "AAA", points))

	series, err := store.GetPriceSeries(ctx, "AAA", day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)

	assert.Equal(t, "AAA", series.Ticker)
	require.Len(t, series.Points, 3)
	assert.Equal(t, day(2024, 1, 1), series.Points[0].Date)
	assert.Equal(t, 100.0, series.Points[0].Close)
	assert.Equal(t, 99.5, series.Points[2].Close)
}

func TestStore_DateRangeFilter(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	var points []optimization.PricePoint
	for i := 0; i < 10; i++ {
		points = append(points, optimization.PricePoint{
			Date:  day(2024, 1, 1).AddDate(0, 0, i),
			Close: 100 + float64(i),
		})
	}
	require.NoError(t, store.SavePrices(ctx, "AAA", points))

	series, err := store.GetPriceSeries(ctx, "AAA", day(2024, 1, 3), day(2024, 1, 5))
	require.NoError(t, err)

	require.Len(t, series.Points, 3)
	assert.Equal(t, day(2024, 1, 3), series.Points[0].Date)
	assert.Equal(t, day(2024, 1, 5), series.Points[2].Date)
}

func TestStore_UpsertReplacesExisting(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePrices(ctx, "AAA", []optimization.PricePoint{
		{Date: day(2024, 1, 1), Close: 100},
	}))
	require.NoError(t, store.SavePrices(ctx, "AAA", []optimization.PricePoint{
		{Date: day(2024, 1, 1), Close: 105},
	}))

	series, err := store.GetPriceSeries(ctx, "AAA", day(2024, 1, 1), day(2024, 1, 2))
	require.NoError(t, err)
	require.Len(t, series.Points, 1)
	assert.Equal(t, 105.0, series.Points[0].Close)
}

func TestStore_MissingTicker(t *testing.T) {
	store := setupStore(t)

	_, err := store.GetPriceSeries(context.Background(), "NOPE", day(2024, 1, 1), day(2024, 12, 31))
	assert.Error(t, err)
}

func TestStore_CountAndList(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePrices(ctx, "BBB", []optimization.PricePoint{
		{Date: day(2024, 1, 1), Close: 50},
		{Date: day(2024, 1, 2), Close: 51},
	}))
	require.NoError(t, store.SavePrices(ctx, "AAA", []optimization.PricePoint{
		{Date: day(2024, 1, 1), Close: 100},
	}))

	count, err := store.CountObservations(ctx, "BBB")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	tickers, err := store.ListTickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, tickers)
}

func TestStore_DeleteBefore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePrices(ctx, "AAA", []optimization.PricePoint{
		{Date: day(2020, 1, 1), Close: 80},
		{Date: day(2024, 1, 1), Close: 100},
	}))

	deleted, err := store.DeleteBefore(ctx, day(2022, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := store.CountObservations(ctx, "AAA")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_SatisfiesPriceSource(t *testing.T) {
	var _ optimization.PriceSource = (*Store)(nil)
}
