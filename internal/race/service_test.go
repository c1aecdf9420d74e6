package race_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/race-engine/internal/escrow"
	"github.com/atmx/race-engine/internal/lock"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/race"
	"github.com/atmx/race-engine/internal/registry"
	"github.com/atmx/race-engine/internal/store"
)

const betWei = 1000

type testEnv struct {
	router chi.Router
	book   *escrow.Book
	clock  *atomic.Int64
}

// newTestEnv creates a Service over an in-memory store with a settable clock.
func newTestEnv(t *testing.T, policy registry.StartPolicy, opts ...race.Option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	book := escrow.NewBook()
	engine := race.NewEngine(ms, book, lock.NewLocal(), nil, registry.Config{
		StartPolicy:     policy,
		BetAmount:       decimal.NewFromInt(betWei),
		MaxPlayers:      2,
		DurationSeconds: 100,
	}, nil)

	clock := &atomic.Int64{}
	clock.Store(1000)
	opts = append(opts, race.WithClock(clock.Load))
	svc := race.NewService(engine, nil, opts...)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Register)
	return &testEnv{router: r, book: book, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errBody struct {
	Error     string `json:"error"`
	Retriable bool   `json:"retriable"`
}

// seat creates t1 with alice and seats bob.
func (e *testEnv) seat(t *testing.T) {
	t.Helper()
	w := e.do(t, "POST", "/tracks", race.CreateTrackRequest{TrackID: "t1", Actor: "alice", Stake: decimal.NewFromInt(betWei)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = e.do(t, "POST", "/tracks/t1/join", race.JoinRequest{Actor: "bob", Stake: decimal.NewFromInt(betWei)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (e *testEnv) setRates(t *testing.T, at int64, assets []string, prices ...int64) {
	t.Helper()
	ps := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		ps[i] = decimal.NewFromInt(p)
	}
	w := e.do(t, "POST", "/rates", race.SetRatesRequest{Time: at, Assets: assets, Prices: ps})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

// --- Full race ---

func TestFullRace_AutoStart(t *testing.T) {
	env := newTestEnv(t, registry.StartAuto)
	env.seat(t)

	env.setRates(t, 1000, []string{"btc", "eth"}, 600000, 40000)
	env.setRates(t, 1050, []string{"btc", "eth"}, 650000, 45000)

	w := env.do(t, "PUT", "/tracks/t1/portfolio", race.SetPortfolioRequest{Actor: "alice", Assets: []string{"btc", "eth"}, Weights: []uint64{20, 80}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StateOpen, decode[race.SetPortfolioResponse](t, w).State)

	w = env.do(t, "GET", "/tracks/t1/ready", nil)
	assert.Equal(t, map[string]bool{"ready": false}, decode[map[string]bool](t, w))

	w = env.do(t, "PUT", "/tracks/t1/portfolio", race.SetPortfolioRequest{Actor: "bob", Assets: []string{"btc", "eth"}, Weights: []uint64{10, 90}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[race.SetPortfolioResponse](t, w)
	assert.Equal(t, model.StateRunning, resp.State)
	assert.Equal(t, int64(1000), resp.StartTime)

	w = env.do(t, "GET", "/tracks/t1/running", nil)
	assert.Equal(t, map[string]int64{"start_time": 1000}, decode[map[string]int64](t, w))

	env.clock.Store(1060)
	w = env.do(t, "GET", "/tracks/t1/ended", nil)
	assert.Equal(t, map[string]bool{"ended": false}, decode[map[string]bool](t, w))

	w = env.do(t, "GET", "/tracks/t1/winners", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"bob"}, decode[model.Settlement](t, w).Winners)

	w = env.do(t, "POST", "/tracks/t1/withdraw", race.WithdrawRequest{Actor: "carol"})
	assert.Equal(t, http.StatusConflict, w.Code, "window still open")

	env.clock.Store(1100)
	w = env.do(t, "POST", "/tracks/t1/withdraw", race.WithdrawRequest{Actor: "carol"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s := decode[model.Settlement](t, w)
	assert.Equal(t, []string{"bob"}, s.Winners)
	assert.True(t, env.book.Balance("bob").Equal(decimal.NewFromInt(2*betWei)))
	assert.True(t, env.book.Balance("alice").IsZero())

	w = env.do(t, "POST", "/tracks/t1/withdraw", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[errBody](t, w).Error, "already withdrawn")

	w = env.do(t, "GET", "/balances/bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[map[string]decimal.Decimal](t, w)["balance"].Equal(decimal.NewFromInt(2*betWei)))

	w = env.do(t, "GET", "/tracks/t1/settlement", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, s.ID, decode[model.Settlement](t, w).ID)
}

func TestExplicitStart_AdminToken(t *testing.T) {
	env := newTestEnv(t, registry.StartExplicit, race.WithAdminToken("s3cret"))
	env.seat(t)

	w := env.do(t, "POST", "/tracks/t1/start", race.StartRequest{DurationSeconds: 30})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "POST", "/tracks/t1/start", race.StartRequest{DurationSeconds: 30}, "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tr := decode[model.Track](t, w)
	assert.Equal(t, model.StateRunning, tr.State)
	assert.Equal(t, int64(30), tr.DurationSeconds)

	w = env.do(t, "POST", "/rates", race.SetRatesRequest{Time: 1, Assets: []string{"btc"}, Prices: []decimal.Decimal{decimal.NewFromInt(1)}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateSponsoredTrack(t *testing.T) {
	env := newTestEnv(t, registry.StartExplicit, race.WithAdminToken("s3cret"))
	req := race.CreateSponsoredTrackRequest{
		TrackID:         "s1",
		Actor:           "backend",
		BetAmount:       decimal.NewFromInt(5),
		MaxPlayers:      3,
		DurationSeconds: 60,
	}

	w := env.do(t, "POST", "/tracks/sponsored", req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "POST", "/tracks/sponsored", req, "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"players":[]`)
	tr := decode[model.Track](t, w)
	assert.Equal(t, model.StateCreated, tr.State)
	assert.Equal(t, 3, tr.MaxPlayers)
	assert.Equal(t, int64(60), tr.DurationSeconds)

	w = env.do(t, "GET", "/tracks/s1/players", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"players":[]}`, w.Body.String())

	w = env.do(t, "POST", "/tracks/s1/join", race.JoinRequest{Actor: "alice", Stake: decimal.NewFromInt(5)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StateOpen, decode[model.Track](t, w).State)

	w = env.do(t, "GET", "/tracks/s1/deposits/backend", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[map[string]decimal.Decimal](t, w)["amount"].IsZero(), "sponsor transfers no stake")

	w = env.do(t, "POST", "/tracks/sponsored", req, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusConflict, w.Code)

	bad := req
	bad.TrackID = "s2"
	bad.MaxPlayers = 1
	w = env.do(t, "POST", "/tracks/sponsored", bad, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStart_DisabledUnderAutoPolicy(t *testing.T) {
	env := newTestEnv(t, registry.StartAuto)
	env.seat(t)

	w := env.do(t, "POST", "/tracks/t1/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// --- Error mapping ---

func TestCreateTrack_Errors(t *testing.T) {
	env := newTestEnv(t, registry.StartAuto)
	env.seat(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate track", "POST", "/tracks", race.CreateTrackRequest{TrackID: "t1", Actor: "carol", Stake: decimal.NewFromInt(betWei)}, http.StatusConflict},
		{"wrong stake", "POST", "/tracks", race.CreateTrackRequest{TrackID: "t2", Actor: "carol", Stake: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"missing actor", "POST", "/tracks", race.CreateTrackRequest{TrackID: "t2", Stake: decimal.NewFromInt(betWei)}, http.StatusBadRequest},
		{"join full track", "POST", "/tracks/t1/join", race.JoinRequest{Actor: "carol", Stake: decimal.NewFromInt(betWei)}, http.StatusConflict},
		{"join unknown track", "POST", "/tracks/nope/join", race.JoinRequest{Actor: "carol", Stake: decimal.NewFromInt(betWei)}, http.StatusNotFound},
		{"portfolio by outsider", "PUT", "/tracks/t1/portfolio", race.SetPortfolioRequest{Actor: "mallory", Assets: []string{"btc"}, Weights: []uint64{1}}, http.StatusForbidden},
		{"portfolio length mismatch", "PUT", "/tracks/t1/portfolio", race.SetPortfolioRequest{Actor: "alice", Assets: []string{"btc"}, Weights: []uint64{1, 2}}, http.StatusBadRequest},
		{"winners before start", "GET", "/tracks/t1/winners", nil, http.StatusConflict},
		{"unknown track", "GET", "/tracks/nope", nil, http.StatusNotFound},
		{"depo unknown track", "GET", "/tracks/nope/deposits/alice", nil, http.StatusNotFound},
		{"settlement before settling", "GET", "/tracks/t1/settlement", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := env.do(t, "GET", "/tracks/t1/players", nil)
	assert.Equal(t, map[string][]string{"players": {"alice", "bob"}}, decode[map[string][]string](t, w))
	w = env.do(t, "GET", "/tracks/t1/deposits/carol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[map[string]decimal.Decimal](t, w)["amount"].IsZero())
}

func TestWithdraw_MissingPriceIsRetriable(t *testing.T) {
	env := newTestEnv(t, registry.StartAuto)
	env.seat(t)
	env.do(t, "PUT", "/tracks/t1/portfolio", race.SetPortfolioRequest{Actor: "alice", Assets: []string{"btc"}, Weights: []uint64{1}})
	env.do(t, "PUT", "/tracks/t1/portfolio", race.SetPortfolioRequest{Actor: "bob", Assets: []string{"doge"}, Weights: []uint64{1}})
	env.setRates(t, 1000, []string{"btc"}, 10)

	env.clock.Store(2000)
	w := env.do(t, "POST", "/tracks/t1/withdraw", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, decode[errBody](t, w).Retriable)

	env.setRates(t, 1000, []string{"doge"}, 5)
	w = env.do(t, "POST", "/tracks/t1/withdraw", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestConcurrentWithdraw_PaysOnce(t *testing.T) {
	env := newTestEnv(t, registry.StartAuto)
	env.seat(t)
	env.do(t, "PUT", "/tracks/t1/portfolio", race.SetPortfolioRequest{Actor: "alice", Assets: []string{"btc"}, Weights: []uint64{1}})
	env.do(t, "PUT", "/tracks/t1/portfolio", race.SetPortfolioRequest{Actor: "bob", Assets: []string{"eth"}, Weights: []uint64{1}})
	env.setRates(t, 1000, []string{"btc", "eth"}, 10, 10)
	env.setRates(t, 1100, []string{"btc", "eth"}, 20, 11)
	env.clock.Store(1100)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := env.do(t, "POST", "/tracks/t1/withdraw", nil)
			if w.Code == http.StatusOK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Len(t, env.book.Transfers(), 1)
	assert.True(t, env.book.Balance("alice").Equal(decimal.NewFromInt(2*betWei)))
}

// --- Rates ---

func TestRates(t *testing.T) {
	env := newTestEnv(t, registry.StartAuto)
	env.setRates(t, 100, []string{"btc", "eth"}, 10, 20)

	w := env.do(t, "GET", "/rates/btc?time=150", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var one struct {
		Price decimal.Decimal `json:"price"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.True(t, one.Price.Equal(decimal.NewFromInt(10)))

	w = env.do(t, "GET", "/rates?time=100&asset=eth&asset=btc", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var many struct {
		Prices []decimal.Decimal `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &many))
	require.Len(t, many.Prices, 2)
	assert.True(t, many.Prices[0].Equal(decimal.NewFromInt(20)))

	w = env.do(t, "GET", "/rates/btc?time=99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/rates/btc?time=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/rates", race.SetRatesRequest{Time: 100, Assets: []string{"btc"}, Prices: []decimal.Decimal{decimal.NewFromInt(11)}})
	assert.Equal(t, http.StatusConflict, w.Code, "rate points are write-once")
}

func TestListTracks_FilterByState(t *testing.T) {
	env := newTestEnv(t, registry.StartAuto)
	env.seat(t)
	w := env.do(t, "POST", "/tracks", race.CreateTrackRequest{TrackID: "t2", Actor: "carol", Stake: decimal.NewFromInt(betWei)})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, "GET", "/tracks", nil)
	assert.Len(t, decode[[]model.Track](t, w), 2)

	w = env.do(t, "GET", "/tracks?state=running", nil)
	assert.Empty(t, decode[[]model.Track](t, w))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, race.StatusFor(model.ErrCapacityExceeded))
	assert.Equal(t, http.StatusConflict, race.StatusFor(model.ErrAlreadyWithdrawn))
	assert.Equal(t, http.StatusServiceUnavailable, race.StatusFor(model.ErrOracleDataMissing))
	assert.Equal(t, http.StatusInternalServerError, race.StatusFor(assert.AnError))
}
