package race

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/registry"
)

// Service serves the engine over HTTP. Caller identity arrives as a plain
// actor field; authenticating it is the job of whatever sits in front.
type Service struct {
	engine     *Engine
	hub        *WSHub
	now        func() int64
	adminToken string
	validate   *validator.Validate
	log        *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock handed to time-sensitive operations.
func WithClock(now func() int64) Option {
	return func(s *Service) { s.now = now }
}

// WithAdminToken guards privileged routes with a bearer token.
func WithAdminToken(token string) Option {
	return func(s *Service) { s.adminToken = token }
}

// WithHub serves the WebSocket endpoint from hub.
func WithHub(hub *WSHub) Option {
	return func(s *Service) { s.hub = hub }
}

// NewService creates the HTTP service.
func NewService(engine *Engine, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		engine:   engine,
		now:      func() int64 { return time.Now().Unix() },
		validate: validator.New(),
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts every route on r. Callers mount r under /api/v1.
func (s *Service) Register(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/tracks", s.ListTracks)
	r.Post("/tracks", s.CreateTrack)
	r.Route("/tracks/{trackID}", func(r chi.Router) {
		r.Get("/", s.GetTrack)
		r.Get("/owner", s.GetTrackOwner)
		r.Get("/players", s.GetPlayers)
		r.Get("/players/count", s.CountPlayers)
		r.Get("/bet", s.GetBetAmount)
		r.Get("/running", s.RunningTracks)
		r.Get("/ended", s.IsEndedTrack)
		r.Get("/ready", s.IsReadyToStart)
		r.Get("/deposits/{actor}", s.GetDepo)
		r.Get("/portfolio/{actor}", s.GetPortfolio)
		r.Get("/winners", s.GetWinners)
		r.Get("/settlement", s.GetSettlement)

		r.Post("/join", s.JoinToTrack)
		r.Put("/portfolio", s.SetPortfolio)
		r.Post("/withdraw", s.WithdrawRewards)
		r.With(s.requireAdmin).Post("/start", s.StartTrack)
	})
	r.With(s.requireAdmin).Post("/tracks/sponsored", s.CreateSponsoredTrack)

	r.With(s.requireAdmin).Post("/rates", s.SetRates)
	r.Get("/rates", s.GetRates)
	r.Get("/rates/{asset}", s.GetRate)

	r.Get("/balances/{actor}", s.BalanceOf)
}

// --- Request/Response types ---

// CreateTrackRequest is the JSON body for POST /tracks.
type CreateTrackRequest struct {
	TrackID string          `json:"track_id" validate:"required,max=128"`
	Actor   string          `json:"actor" validate:"required"`
	Stake   decimal.Decimal `json:"stake"`
}

// CreateSponsoredTrackRequest is the JSON body for POST /tracks/sponsored.
type CreateSponsoredTrackRequest struct {
	TrackID         string          `json:"track_id" validate:"required,max=128"`
	Actor           string          `json:"actor" validate:"required"`
	BetAmount       decimal.Decimal `json:"bet_amount"`
	MaxPlayers      int             `json:"max_players" validate:"min=2"`
	DurationSeconds int64           `json:"duration_seconds" validate:"min=1"`
}

// JoinRequest is the JSON body for POST /tracks/{trackID}/join.
type JoinRequest struct {
	Actor string          `json:"actor" validate:"required"`
	Stake decimal.Decimal `json:"stake"`
}

// SetPortfolioRequest is the JSON body for PUT /tracks/{trackID}/portfolio.
type SetPortfolioRequest struct {
	Actor   string   `json:"actor" validate:"required"`
	Assets  []string `json:"assets"`
	Weights []uint64 `json:"weights"`
}

// StartRequest is the JSON body for POST /tracks/{trackID}/start. Zero keeps
// the track's configured duration.
type StartRequest struct {
	DurationSeconds int64 `json:"duration_seconds" validate:"min=0"`
}

// WithdrawRequest is the optional JSON body for POST /tracks/{trackID}/withdraw.
type WithdrawRequest struct {
	Actor string `json:"actor"`
}

// SetRatesRequest is the JSON body for POST /rates.
type SetRatesRequest struct {
	Time   int64             `json:"time" validate:"min=0"`
	Assets []string          `json:"assets" validate:"required"`
	Prices []decimal.Decimal `json:"prices" validate:"required"`
}

// SetPortfolioResponse reports the stored allocation and the resulting
// track state, which is running when this submission started the race.
type SetPortfolioResponse struct {
	Portfolio *model.Portfolio `json:"portfolio"`
	State     model.TrackState `json:"state"`
	StartTime int64            `json:"start_time,omitempty"`
}

// --- Track handlers ---

// CreateTrack handles POST /api/v1/tracks
func (s *Service) CreateTrack(w http.ResponseWriter, r *http.Request) {
	var req CreateTrackRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.engine.CreateTrack(r.Context(), req.TrackID, req.Actor, req.Stake)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// CreateSponsoredTrack handles POST /api/v1/tracks/sponsored
func (s *Service) CreateSponsoredTrack(w http.ResponseWriter, r *http.Request) {
	var req CreateSponsoredTrackRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.engine.CreateTrackWithParams(r.Context(), req.TrackID, req.Actor, registry.Params{
		BetAmount:       req.BetAmount,
		MaxPlayers:      req.MaxPlayers,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// JoinToTrack handles POST /api/v1/tracks/{trackID}/join
func (s *Service) JoinToTrack(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.engine.JoinToTrack(r.Context(), chi.URLParam(r, "trackID"), req.Actor, req.Stake)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// SetPortfolio handles PUT /api/v1/tracks/{trackID}/portfolio
func (s *Service) SetPortfolio(w http.ResponseWriter, r *http.Request) {
	var req SetPortfolioRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, t, err := s.engine.SetPortfolio(r.Context(), chi.URLParam(r, "trackID"), req.Actor, req.Assets, req.Weights, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := SetPortfolioResponse{Portfolio: p, State: t.State}
	if t.Started() {
		resp.StartTime = t.StartTime
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartTrack handles POST /api/v1/tracks/{trackID}/start
func (s *Service) StartTrack(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	t, err := s.engine.StartTrack(r.Context(), chi.URLParam(r, "trackID"), req.DurationSeconds, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// WithdrawRewards handles POST /api/v1/tracks/{trackID}/withdraw
func (s *Service) WithdrawRewards(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	st, err := s.engine.WithdrawRewards(r.Context(), chi.URLParam(r, "trackID"), req.Actor, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListTracks handles GET /api/v1/tracks
// Optionally filtered by ?state=<state>.
func (s *Service) ListTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.engine.ListTracks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := []model.Track{}
		for _, t := range tracks {
			if string(t.State) == state {
				filtered = append(filtered, t)
			}
		}
		tracks = filtered
	}
	if tracks == nil {
		tracks = []model.Track{}
	}
	writeJSON(w, http.StatusOK, tracks)
}

// GetTrack handles GET /api/v1/tracks/{trackID}
func (s *Service) GetTrack(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTrack(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Service) GetTrackOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := s.engine.GetTrackOwner(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner})
}

func (s *Service) GetPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.engine.GetPlayers(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if players == nil {
		players = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"players": players})
}

func (s *Service) CountPlayers(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.CountPlayers(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Service) GetBetAmount(w http.ResponseWriter, r *http.Request) {
	bet, err := s.engine.GetBetAmount(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"bet_amount": bet})
}

// RunningTracks handles GET /api/v1/tracks/{trackID}/running
// Returns the start time, zero while the track has not started.
func (s *Service) RunningTracks(w http.ResponseWriter, r *http.Request) {
	start, err := s.engine.RunningTracks(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"start_time": start})
}

func (s *Service) IsEndedTrack(w http.ResponseWriter, r *http.Request) {
	ended, err := s.engine.IsEndedTrack(r.Context(), chi.URLParam(r, "trackID"), s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": ended})
}

func (s *Service) IsReadyToStart(w http.ResponseWriter, r *http.Request) {
	ready, err := s.engine.IsReadyToStart(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": ready})
}

func (s *Service) GetDepo(w http.ResponseWriter, r *http.Request) {
	amount, err := s.engine.GetDepo(r.Context(), chi.URLParam(r, "trackID"), chi.URLParam(r, "actor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amount})
}

func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPortfolio(r.Context(), chi.URLParam(r, "trackID"), chi.URLParam(r, "actor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if p.Allocations == nil {
		p.Allocations = []model.Allocation{}
	}
	writeJSON(w, http.StatusOK, p)
}

// GetWinners handles GET /api/v1/tracks/{trackID}/winners
// Before settlement the result is provisional and follows the clock.
func (s *Service) GetWinners(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetWinners(r.Context(), chi.URLParam(r, "trackID"), s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) GetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetSettlement(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Rate handlers ---

// SetRates handles POST /api/v1/rates
func (s *Service) SetRates(w http.ResponseWriter, r *http.Request) {
	var req SetRatesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetRates(r.Context(), req.Time, req.Assets, req.Prices); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"written": len(req.Assets)})
}

// GetRate handles GET /api/v1/rates/{asset}?time=<unix>
func (s *Service) GetRate(w http.ResponseWriter, r *http.Request) {
	at, ok := s.queryTime(w, r)
	if !ok {
		return
	}
	asset := chi.URLParam(r, "asset")
	price, err := s.engine.GetRate(r.Context(), at, asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset, "time": at, "price": price})
}

// GetRates handles GET /api/v1/rates?time=<unix>&asset=a&asset=b
func (s *Service) GetRates(w http.ResponseWriter, r *http.Request) {
	at, ok := s.queryTime(w, r)
	if !ok {
		return
	}
	assets := r.URL.Query()["asset"]
	prices, err := s.engine.GetRates(r.Context(), at, assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"time": at, "assets": assets, "prices": prices})
}

// BalanceOf handles GET /api/v1/balances/{actor}
func (s *Service) BalanceOf(w http.ResponseWriter, r *http.Request) {
	balance, ok := s.engine.BalanceOf(chi.URLParam(r, "actor"))
	if !ok {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "balances are held by the external ledger"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance})
}

// --- helpers ---

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + s.adminToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				s.writeError(w, errors.Wrap(model.ErrUnauthorized, "admin token required"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (s *Service) queryTime(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("time")
	if raw == "" {
		return s.now(), true
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "time must be unix seconds"})
		return 0, false
	}
	return at, true
}

type errorResponse struct {
	Error     string `json:"error"`
	Retriable bool   `json:"retriable,omitempty"`
}

// StatusFor maps the engine's error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrValueMismatch):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOracleDataMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrCapacityExceeded),
		errors.Is(err, model.ErrAlreadyWithdrawn):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := errorResponse{Error: err.Error(), Retriable: model.IsRetriable(err)}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
