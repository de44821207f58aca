package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hindsight/internal/config"
	"github.com/aristath/hindsight/internal/database"
	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/calculations"
	"github.com/aristath/hindsight/internal/modules/engine"
	"github.com/aristath/hindsight/internal/modules/results"
	"github.com/aristath/hindsight/internal/modules/risk"
	"github.com/aristath/hindsight/internal/modules/sweep"
	"github.com/aristath/hindsight/internal/modules/universe"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	dataDir := t.TempDir()
	log := zerolog.Nop()

	openDB := func(name string, profile database.DatabaseProfile) *database.DB {
		db, err := database.New(database.Config{
			Path:    filepath.Join(dataDir, name+".db"),
			Profile: profile,
			Name:    name,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		require.NoError(t, db.Migrate())
		return db
	}

	historyDB := openDB("history", database.ProfileStandard)
	resultsDB := openDB("results", database.ProfileLedger)
	cacheDB := openDB("cache", database.ProfileCache)

	cache := calculations.New(calculations.Config{
		Enabled:    true,
		MaxEntries: 256,
		MaxAge:     time.Hour,
		Persist:    true,
	}, cacheDB, log)

	universeRepo := universe.NewRepository(historyDB.Conn(), log)
	eng := engine.New(cache, log)

	srv := New(Config{
		Log:          log,
		Config:       &config.Config{DataDir: dataDir, Port: 8001},
		HistoryDB:    historyDB,
		ResultsDB:    resultsDB,
		CacheDB:      cacheDB,
		Engine:       eng,
		Runner:       sweep.NewRunner(eng, 2, log),
		Results:      results.NewRepository(resultsDB.Conn(), log),
		Universe:     universeRepo,
		PanelBuilder: universe.NewPanelBuilder(universeRepo, log),
		RiskBuilder:  risk.NewBuilder(cache, log),
		Cache:        cache,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func seedUniverse(t *testing.T, ts *httptest.Server) {
	t.Helper()

	first, _ := time.Parse("2006-01-02", "2024-01-01")
	req := SyncPricesRequest{
		Securities: []universe.Security{
			{Symbol: "AAA", Name: "Alpha Corp", Currency: "USD", Active: true},
			{Symbol: "BBB", Name: "Beta Inc", Currency: "USD", Active: true},
		},
	}
	for i := 0; i < 20; i++ {
		date := first.AddDate(0, 0, i).Format("2006-01-02")
		req.Prices = append(req.Prices,
			universe.DailyPrice{Symbol: "AAA", Date: date, Close: 100.0 + float64(i)},
			universe.DailyPrice{Symbol: "BBB", Date: date, Close: 80.0 - 0.2*float64(i%3)},
		)
	}

	resp := postJSON(t, ts, "/api/universe/prices", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func testBacktestBody(label string) map[string]any {
	return map[string]any{
		"label":    label,
		"strategy": map[string]any{"name": "equal_weight"},
		"config": map[string]any{
			"start_date":        "2024-01-08",
			"end_date":          "2024-01-20",
			"initial_cash":      100000,
			"strategy_lookback": 5,
			"eligibility": map[string]any{
				"min_history_days": 3,
				"min_observations": 3,
				"delist_gap_days":  5,
			},
			"preselection": map[string]any{
				"method":      "momentum",
				"top_k":       2,
				"lookback":    3,
				"skip":        0,
				"min_periods": 2,
			},
			"membership": map[string]any{},
			"scheduling": map[string]any{"frequency": "weekly"},
		},
	}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestBacktestEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	seedUniverse(t, ts)

	resp := postJSON(t, ts, "/api/backtests", testBacktestBody("api smoke"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decodeBody[BacktestResponse](t, resp)

	require.NotEmpty(t, run.RunID)
	assert.Equal(t, "api smoke", run.Label)
	require.NotNil(t, run.Metrics)
	assert.Greater(t, run.Metrics.TradingDays, 0)

	// Listing includes the stored run.
	listResp, err := http.Get(ts.URL + "/api/backtests")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	summaries := decodeBody[[]results.RunSummary](t, listResp)
	require.Len(t, summaries, 1)
	assert.Equal(t, run.RunID, summaries[0].ID)

	// Detail endpoints round-trip the history.
	equityResp, err := http.Get(fmt.Sprintf("%s/api/backtests/%s/equity", ts.URL, run.RunID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, equityResp.StatusCode)
	curve := decodeBody[[]domain.EquityPoint](t, equityResp)
	assert.Equal(t, run.Metrics.TradingDays, len(curve))

	tradesResp, err := http.Get(fmt.Sprintf("%s/api/backtests/%s/trades", ts.URL, run.RunID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, tradesResp.StatusCode)
	trades := decodeBody[[]domain.Trade](t, tradesResp)
	assert.NotEmpty(t, trades)

	rebalResp, err := http.Get(fmt.Sprintf("%s/api/backtests/%s/rebalances", ts.URL, run.RunID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rebalResp.StatusCode)
	events := decodeBody[[]domain.RebalanceEvent](t, rebalResp)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.TriggerForced, events[0].Trigger)

	configResp, err := http.Get(fmt.Sprintf("%s/api/backtests/%s/config", ts.URL, run.RunID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, configResp.StatusCode)
	stored := decodeBody[storedConfig](t, configResp)
	assert.Equal(t, "equal_weight", stored.Strategy.Name)
	assert.Equal(t, "2024-01-08", stored.Config.StartDate)
}

func TestSweepEndpoint(t *testing.T) {
	ts := newTestServer(t)
	seedUniverse(t, ts)

	base := testBacktestBody("")["config"]
	req := map[string]any{
		"variations": []map[string]any{
			{"label": "equal", "strategy": map[string]any{"name": "equal_weight"}, "config": base},
			{"label": "invvol", "strategy": map[string]any{"name": "inverse_volatility", "min_periods": 3}, "config": base},
		},
	}

	resp := postJSON(t, ts, "/api/backtests/sweep", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[SweepResponse](t, resp)

	require.Len(t, out.Outcomes, 2)
	assert.Equal(t, "equal", out.Outcomes[0].Label)
	assert.Equal(t, "invvol", out.Outcomes[1].Label)
	for _, outcome := range out.Outcomes {
		assert.Empty(t, outcome.Error)
		assert.NotEmpty(t, outcome.RunID)
	}
}

func TestBacktestValidationErrors(t *testing.T) {
	ts := newTestServer(t)
	seedUniverse(t, ts)

	body := testBacktestBody("bad dates")
	body["config"].(map[string]any)["start_date"] = "not-a-date"
	resp := postJSON(t, ts, "/api/backtests", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	body = testBacktestBody("bad strategy")
	body["strategy"] = map[string]any{"name": "alchemy"}
	resp = postJSON(t, ts, "/api/backtests", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRunNotFoundReturns404(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/backtests/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStrategiesAndSymbolsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	seedUniverse(t, ts)

	resp, err := http.Get(ts.URL + "/api/strategies")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	strategyList := decodeBody[map[string][]string](t, resp)
	assert.Contains(t, strategyList["strategies"], "hrp")

	resp, err = http.Get(ts.URL + "/api/universe/symbols")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	symbols := decodeBody[map[string][]string](t, resp)
	assert.Equal(t, []string{"AAA", "BBB"}, symbols["symbols"])
}

func TestHealthAndSystemEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(ts.URL + "/api/system/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[SystemStatusResponse](t, resp)
	assert.Equal(t, "ok", status.Databases["history"])
	assert.Equal(t, "ok", status.Databases["results"])

	resp = postJSON(t, ts, "/api/system/cache/prune", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/system/cache/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
