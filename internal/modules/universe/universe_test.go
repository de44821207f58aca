package universe

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hindsight/internal/database"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	return NewRepository(db.Conn(), zerolog.Nop())
}

func seedPrices(t *testing.T, repo *Repository) {
	t.Helper()

	require.NoError(t, repo.UpsertSecurity(Security{Symbol: "AAA", Name: "Alpha Corp", Currency: "USD", Active: true}))
	require.NoError(t, repo.UpsertSecurity(Security{Symbol: "BBB", Name: "Beta Inc", Currency: "EUR", Active: true}))
	require.NoError(t, repo.UpsertSecurity(Security{Symbol: "ZZZ", Name: "Gone Ltd", Currency: "USD", Active: false}))

	volume := 1000.0
	require.NoError(t, repo.SyncPrices([]DailyPrice{
		{Symbol: "AAA", Date: "2024-01-02", Close: 100, Volume: &volume},
		{Symbol: "AAA", Date: "2024-01-03", Close: 101},
		{Symbol: "AAA", Date: "2024-01-04", Close: 102},
		{Symbol: "BBB", Date: "2024-01-02", Close: 50},
		// BBB did not trade on 2024-01-03
		{Symbol: "BBB", Date: "2024-01-04", Close: 49},
	}))
}

func TestActiveSymbolsExcludesInactive(t *testing.T) {
	repo := newTestRepository(t)
	seedPrices(t, repo)

	symbols, err := repo.ActiveSymbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, symbols)
}

func TestUpsertSecurityOverwrites(t *testing.T) {
	repo := newTestRepository(t)
	seedPrices(t, repo)

	require.NoError(t, repo.UpsertSecurity(Security{Symbol: "BBB", Name: "Beta Inc", Currency: "EUR", Active: false}))

	symbols, err := repo.ActiveSymbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, symbols)
}

func TestGetPricesRangeAndVolume(t *testing.T) {
	repo := newTestRepository(t)
	seedPrices(t, repo)

	prices, err := repo.GetPrices("AAA", "2024-01-03", "2024-01-04")
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, "2024-01-03", prices[0].Date)
	assert.Equal(t, 101.0, prices[0].Close)
	assert.Nil(t, prices[0].Volume)

	all, err := repo.GetPrices("AAA", "2024-01-01", "2024-12-31")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NotNil(t, all[0].Volume)
	assert.Equal(t, 1000.0, *all[0].Volume)
}

func TestSyncPricesReplacesExisting(t *testing.T) {
	repo := newTestRepository(t)
	seedPrices(t, repo)

	require.NoError(t, repo.SyncPrices([]DailyPrice{
		{Symbol: "AAA", Date: "2024-01-03", Close: 200},
	}))

	prices, err := repo.GetPrices("AAA", "2024-01-03", "2024-01-03")
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, 200.0, prices[0].Close)
}

func TestTradingDatesAreUnionAcrossSymbols(t *testing.T) {
	repo := newTestRepository(t)
	seedPrices(t, repo)

	dates, err := repo.TradingDates([]string{"AAA", "BBB"}, "2024-01-01", "2024-12-31")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-02", "2024-01-03", "2024-01-04"}, dates)

	dates, err = repo.TradingDates([]string{"BBB"}, "2024-01-01", "2024-12-31")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-02", "2024-01-04"}, dates)

	dates, err = repo.TradingDates(nil, "2024-01-01", "2024-12-31")
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestBuildPricePanelAlignsOnSharedCalendar(t *testing.T) {
	repo := newTestRepository(t)
	seedPrices(t, repo)
	builder := NewPanelBuilder(repo, zerolog.Nop())

	panel, err := builder.BuildPricePanel([]string{"AAA", "BBB", "NONE"}, "2024-01-01", "2024-12-31")
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-01-02", "2024-01-03", "2024-01-04"}, panel.Dates)
	assert.Equal(t, []string{"AAA", "BBB"}, panel.Assets())

	assert.Equal(t, []float64{100, 101, 102}, panel.Column("AAA"))

	bbb := panel.Column("BBB")
	require.Len(t, bbb, 3)
	assert.Equal(t, 50.0, bbb[0])
	assert.True(t, math.IsNaN(bbb[1]))
	assert.Equal(t, 49.0, bbb[2])
}

func TestBuildPanelsDerivesReturns(t *testing.T) {
	repo := newTestRepository(t)
	seedPrices(t, repo)
	builder := NewPanelBuilder(repo, zerolog.Nop())

	prices, returns, err := builder.BuildPanels([]string{"AAA", "BBB"}, "2024-01-01", "2024-12-31")
	require.NoError(t, err)

	require.Len(t, prices.Dates, 3)
	require.Len(t, returns.Dates, 2)
	assert.Equal(t, prices.Dates[1:], returns.Dates)

	aaa := returns.Column("AAA")
	assert.InDelta(t, 0.01, aaa[0], 1e-12)
	assert.InDelta(t, 102.0/101.0-1, aaa[1], 1e-12)

	// Both BBB returns touch the missing middle observation.
	bbb := returns.Column("BBB")
	assert.True(t, math.IsNaN(bbb[0]))
	assert.True(t, math.IsNaN(bbb[1]))
}

func TestBuildPricePanelEmptyRange(t *testing.T) {
	repo := newTestRepository(t)
	seedPrices(t, repo)
	builder := NewPanelBuilder(repo, zerolog.Nop())

	panel, err := builder.BuildPricePanel([]string{"AAA"}, "2030-01-01", "2030-12-31")
	require.NoError(t, err)
	assert.Empty(t, panel.Dates)
	assert.Empty(t, panel.Columns)
}
