package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/app"
	"tokensale/internal/config"
	"tokensale/internal/errs"
	"tokensale/internal/escrow"
	"tokensale/internal/hmacauth"
	"tokensale/internal/idempotency"
	"tokensale/internal/minter"
	"tokensale/internal/sale"
	"tokensale/internal/token"
)

const headerRequestID = "X-Request-Id"

type Server struct {
	cfg         *config.AppConfig
	deployment  *app.Deployment
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, d *app.Deployment) *Server {
	hmacVerifier := &hmacauth.Verifier{
		Secrets: cfg.Seed.PrincipalSecrets(),
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:        cfg,
		deployment: d,
		hmac:       hmacVerifier,
		metrics:    metrics,
		dbHealthFn: d.Store.Ping,
	}
	if checker, ok := d.Token.(interface{ Ping(context.Context) error }); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/buy", s.authed(s.handleBuy))
	mux.Handle("/api/v1/topup", s.authed(s.handleTopUp))
	mux.Handle("/api/v1/governance/{op}", s.authed(s.handleGovernance))
	mux.Handle("/api/v1/escrow/{op}", s.authed(s.handleEscrow))
	mux.Handle("/api/v1/credits", s.authed(s.handleCredit))
	mux.Handle("/api/v1/minter/owner", s.authed(s.handleMinterOwner))
	mux.Handle("/api/v1/sales", s.authed(s.handleDeploySuccessor))
	mux.HandleFunc("/api/v1/sale", s.handleSnapshot)
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Infof("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// authed accepts POST requests signed by a known principal.
func (s *Server) authed(fn func(w http.ResponseWriter, r *http.Request, caller common.Address)) http.Handler {
	return s.hmac.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		caller, ok := hmacauth.Principal(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		fn(w, r, caller)
	}))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, app.ErrUnknownSale):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidState),
		errors.Is(err, errs.ErrAlreadyInitialized),
		errors.Is(err, errs.ErrNotInitialized),
		errors.Is(err, errs.ErrInsufficientFunds),
		errors.Is(err, errs.ErrNothingToWithdraw),
		errors.Is(err, token.ErrSupplyExhausted):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrZeroAmount),
		errors.Is(err, errs.ErrInvalidSuccessor),
		errors.Is(err, sale.ErrZeroAddress),
		errors.Is(err, escrow.ErrZeroController),
		errors.Is(err, minter.ErrZeroOwner),
		errors.Is(err, idempotency.ErrEmptyPaymentID),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("request_id", r.Header.Get(headerRequestID)).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Enabled   bool    `json:"enabled"`
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		rpcInfo.Enabled = true
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	var live sale.State
	s.deployment.Chain.Read(func() {
		live = s.deployment.Live().State()
	})

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		Sale     string      `json:"sale"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		Sale:     live.String(),
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
