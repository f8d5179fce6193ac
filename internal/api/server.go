// Package api exposes the match authority over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/fleetbattle/internal/apperr"
	"github.com/park285/fleetbattle/internal/domain"
	"github.com/park285/fleetbattle/internal/finalize"
	"github.com/park285/fleetbattle/internal/ledger"
	"github.com/park285/fleetbattle/internal/match"
	"github.com/park285/fleetbattle/internal/notify"
	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/park285/fleetbattle/pkg/matchdto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-Id"
	headerHookAuth  = "X-Hook-Secret"
)

// Authenticator resolves an Authorization header to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials string) (string, error)
}

// Notifier delivers result messages for a finished match.
type Notifier interface {
	MatchFinalized(ctx context.Context, m *domain.Match) (notify.Report, error)
}

// Deps wires the server. Notifier and Registry are optional.
type Deps struct {
	Auth       Authenticator
	Finalizer  *finalize.Finalizer
	Matches    match.Store
	Stats      ledger.Ledger
	Notifier   Notifier
	HookSecret string
	Registry   *prometheus.Registry
	Timeout    time.Duration
}

type Server struct {
	d        Deps
	log      *zap.Logger
	requests *prometheus.CounterVec
	metrics  fasthttp.RequestHandler
	srv      *fasthttp.Server
	pending  sync.WaitGroup
}

func New(d Deps) *Server {
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	s := &Server{d: d, log: obslog.Named("api")}
	if d.Registry != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"})
		d.Registry.MustRegister(s.requests)
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "fleetbattle",
		ReadTimeout:  d.Timeout,
		WriteTimeout: d.Timeout,
	}
	return s
}

func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) ListenAndServe(addr string) error { return s.srv.ListenAndServe(addr) }

// Shutdown stops accepting requests, then waits for in-flight result
// notifications or ctx, whichever ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.ShutdownWithContext(ctx)
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Handler routes requests and stamps each with a request id.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		reqID := strings.TrimSpace(string(ctx.Request.Header.Peek(headerRequestID)))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx.Response.Header.Set(headerRequestID, reqID)
		log := s.log.With(zap.String("request_id", reqID))

		route := s.route(ctx, log)
		code := ctx.Response.StatusCode()
		if s.requests != nil {
			s.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		}
		log.Debug("http_request",
			zap.String("method", string(ctx.Method())),
			zap.String("path", string(ctx.Path())),
			zap.Int("status", code),
		)
	}
}

func (s *Server) route(ctx *fasthttp.RequestCtx, log *zap.Logger) string {
	parts := strings.Split(strings.Trim(string(ctx.Path()), "/"), "/")
	method := string(ctx.Method())
	switch {
	case len(parts) == 1 && parts[0] == "healthz" && method == fasthttp.MethodGet:
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
		return "healthz"
	case len(parts) == 1 && parts[0] == "metrics" && method == fasthttp.MethodGet && s.metrics != nil:
		s.metrics(ctx)
		return "metrics"
	case len(parts) < 2 || parts[0] != "v1":
	case len(parts) == 2 && parts[1] == "matches" && method == fasthttp.MethodPost:
		s.createMatch(ctx, log)
		return "create_match"
	case len(parts) == 3 && parts[1] == "matches" && method == fasthttp.MethodGet:
		s.getMatch(ctx, log, parts[2])
		return "get_match"
	case len(parts) == 4 && parts[1] == "matches" && parts[3] == "finalize" && method == fasthttp.MethodPost:
		s.finalize(ctx, log, parts[2])
		return "finalize"
	case len(parts) == 4 && parts[1] == "players" && parts[3] == "stats" && method == fasthttp.MethodGet:
		s.playerStats(ctx, log, parts[2])
		return "player_stats"
	case len(parts) == 3 && parts[1] == "hooks" && parts[2] == "match-finalized" && method == fasthttp.MethodPost:
		s.matchFinalizedHook(ctx, log)
		return "hook_match_finalized"
	}
	writeJSON(ctx, fasthttp.StatusNotFound, matchdto.ErrorBody{Code: "not_found", Message: "no such route"})
	return "unknown"
}

func (s *Server) requestContext(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.d.Timeout)
}

func (s *Server) authenticate(c context.Context, ctx *fasthttp.RequestCtx, op string) (string, error) {
	userID, err := s.d.Auth.Authenticate(c, string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
	if err != nil {
		return "", apperr.Auth(op, err)
	}
	return userID, nil
}

func (s *Server) createMatch(ctx *fasthttp.RequestCtx, log *zap.Logger) {
	c, cancel := s.requestContext(ctx)
	defer cancel()
	userID, err := s.authenticate(c, ctx, "create_match")
	if err != nil {
		s.writeError(ctx, log, err)
		return
	}
	var body matchdto.CreateMatchRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		s.writeError(ctx, log, apperr.Validation("create_match", "malformed body: %v", err))
		return
	}
	m, err := match.NewMatch(userID, body.OpponentID)
	if err != nil {
		s.writeError(ctx, log, apperr.Validation("create_match", "%v", err))
		return
	}
	if err := s.d.Matches.Create(c, m); err != nil {
		s.writeError(ctx, log, apperr.Mutation("create_match", err, "store match"))
		return
	}
	log.Info("match_created", zap.String("match_id", m.ID), zap.String("host_id", m.HostID), zap.String("opponent_id", m.OpponentID))
	writeJSON(ctx, fasthttp.StatusCreated, toMatchDTO(m))
}

func (s *Server) getMatch(ctx *fasthttp.RequestCtx, log *zap.Logger, id string) {
	c, cancel := s.requestContext(ctx)
	defer cancel()
	if _, err := s.authenticate(c, ctx, "get_match"); err != nil {
		s.writeError(ctx, log, err)
		return
	}
	m, err := s.d.Matches.Get(c, id)
	if err != nil {
		s.writeError(ctx, log, apperr.Mutation("get_match", err, "load match"))
		return
	}
	if m == nil {
		s.writeError(ctx, log, apperr.NotFound("get_match", "match %s", id))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, toMatchDTO(m))
}

func (s *Server) finalize(ctx *fasthttp.RequestCtx, log *zap.Logger, id string) {
	c, cancel := s.requestContext(ctx)
	defer cancel()
	if _, err := s.authenticate(c, ctx, "finalize"); err != nil {
		s.writeError(ctx, log, err)
		return
	}
	body, err := decodeFinalize(ctx.PostBody())
	if err != nil {
		s.writeError(ctx, log, err)
		return
	}
	res, err := s.d.Finalizer.Finalize(c, finalize.Request{
		MatchID:        id,
		MyLosses:       *body.MyLosses,
		OpponentLosses: *body.OpponentLosses,
		Credentials:    string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)),
	})
	if err != nil {
		s.writeError(ctx, log, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, matchdto.FinalizeResponse{
		MatchID:        res.MatchID,
		WinnerID:       res.WinnerID,
		HostResult:     string(res.HostResult),
		OpponentResult: string(res.OpponentResult),
		FinishedAt:     res.FinishedAt,
	})

	if s.d.Notifier == nil {
		return
	}
	at := res.FinishedAt
	m := &domain.Match{ID: res.MatchID, HostID: res.HostID, OpponentID: res.OpponentID, Status: domain.MatchFinished, WinnerID: res.WinnerID, FinishedAt: &at}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		// The request context is recycled once the handler returns.
		nctx, ncancel := context.WithTimeout(context.Background(), s.d.Timeout)
		defer ncancel()
		if _, err := s.d.Notifier.MatchFinalized(nctx, m); err != nil {
			// Redelivery goes through the match-finalized hook.
			log.Warn("finalize_notify_failed", zap.String("match_id", m.ID), zap.Error(err))
		}
	}()
}

// decodeFinalize rejects unknown keys and absent loss counts, so a
// misspelled field cannot commit a 0/0 draw.
func decodeFinalize(raw []byte) (matchdto.FinalizeRequest, error) {
	var body matchdto.FinalizeRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return body, apperr.Validation("finalize", "malformed body: %v", err)
	}
	switch {
	case body.MyLosses == nil:
		return body, apperr.Validation("finalize", "my_losses is required")
	case body.OpponentLosses == nil:
		return body, apperr.Validation("finalize", "opponent_losses is required")
	}
	return body, nil
}

func (s *Server) playerStats(ctx *fasthttp.RequestCtx, log *zap.Logger, userID string) {
	c, cancel := s.requestContext(ctx)
	defer cancel()
	if _, err := s.authenticate(c, ctx, "player_stats"); err != nil {
		s.writeError(ctx, log, err)
		return
	}
	st, err := s.d.Stats.Stats(c, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidArgs) {
			s.writeError(ctx, log, apperr.Validation("player_stats", "user id is required"))
			return
		}
		s.writeError(ctx, log, apperr.Mutation("player_stats", err, "read stats"))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, matchdto.PlayerStats{
		UserID:         st.UserID,
		MatchesPlayed:  st.MatchesPlayed,
		Wins:           st.Wins,
		Losses:         st.Losses,
		Draws:          st.Draws,
		UnitsDestroyed: st.UnitsDestroyed,
		UnitsLost:      st.UnitsLost,
	})
}

func (s *Server) matchFinalizedHook(ctx *fasthttp.RequestCtx, log *zap.Logger) {
	const op = "hook_match_finalized"
	c, cancel := s.requestContext(ctx)
	defer cancel()
	secret := string(ctx.Request.Header.Peek(headerHookAuth))
	if s.d.HookSecret == "" || secret != s.d.HookSecret {
		s.writeError(ctx, log, apperr.Auth(op, errors.New("bad hook secret")))
		return
	}
	if s.d.Notifier == nil {
		s.writeError(ctx, log, apperr.NotFound(op, "notifications disabled"))
		return
	}
	var body matchdto.MatchFinalizedHook
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || strings.TrimSpace(body.MatchID) == "" {
		s.writeError(ctx, log, apperr.Validation(op, "match_id is required"))
		return
	}
	m, err := s.d.Matches.Get(c, body.MatchID)
	if err != nil {
		s.writeError(ctx, log, apperr.Mutation(op, err, "load match"))
		return
	}
	if m == nil {
		s.writeError(ctx, log, apperr.NotFound(op, "match %s", body.MatchID))
		return
	}
	if !m.Finished() {
		s.writeError(ctx, log, apperr.Conflict(op, notify.ErrNotFinished, "match %s", m.ID))
		return
	}
	rep, err := s.d.Notifier.MatchFinalized(c, m)
	if err != nil {
		s.writeError(ctx, log, apperr.Mutation(op, err, "deliver notifications"))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, matchdto.HookResponse{MatchID: m.ID, Delivered: rep.Delivered, Skipped: rep.Skipped})
}

func toMatchDTO(m *domain.Match) matchdto.Match {
	return matchdto.Match{
		ID:         m.ID,
		HostID:     m.HostID,
		OpponentID: m.OpponentID,
		Status:     string(m.Status),
		WinnerID:   m.WinnerID,
		FinishedAt: m.FinishedAt,
		CreatedAt:  m.CreatedAt,
	}
}
