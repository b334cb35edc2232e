package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/itua234/gifty/internal/config"
	"github.com/itua234/gifty/internal/escrow"
	"github.com/itua234/gifty/internal/hmacauth"
	"github.com/itua234/gifty/internal/idempotency"
	"github.com/itua234/gifty/internal/oracle"
)

const (
	headerRequestID   = "X-Request-Id"
	headerCaller      = "X-Caller-Address"
	headerIdempotency = "X-Idempotency-Key"
)

// Escrow is the record store the gateway fronts.
type Escrow interface {
	Create(ctx context.Context, req escrow.CreateRequest) (uint64, error)
	ClaimDirect(ctx context.Context, caller common.Address, id uint64, secret string) (*big.Int, error)
	ClaimViaChannel(ctx context.Context, caller common.Address, id uint64, secret string, kind escrow.ChannelKind, details string) (escrow.ChannelClaim, error)
	Reclaim(ctx context.Context, caller common.Address, id uint64, secret string) (*big.Int, error)
	Record(ctx context.Context, id uint64) (escrow.View, error)
	FeesCollected(ctx context.Context, caller common.Address) (*big.Int, error)
	SetFeeRate(ctx context.Context, caller common.Address, bps uint32) error
	FeeRate() uint32
	FeeCollector() common.Address
}

// Funds is the custody book behind the escrow.
type Funds interface {
	Deposit(ctx context.Context, addr common.Address, amount *big.Int) error
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Quoter reads the current oracle rate.
type Quoter interface {
	Quote(ctx context.Context) (oracle.Quote, error)
	ReferenceDecimals() uint8
}

// Deps are the collaborators a Server needs. Quotes and the health checks
// are optional.
type Deps struct {
	Escrow      Escrow
	Funds       Funds
	Quotes      Quoter
	Idempotency idempotency.Store
	DBHealth    func(context.Context) error
	RPCHealth   func(context.Context) error
	DLQDepth    func() int
	Logger      *slog.Logger
}

type Server struct {
	cfg        *config.AppConfig
	escrow     Escrow
	funds      Funds
	quotes     Quoter
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	router     *mux.Router
	metrics    *metricsRegistry
	logger     *slog.Logger

	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
	dlqDepthFn  func() int
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	s := &Server{
		cfg:    cfg,
		escrow: deps.Escrow,
		funds:  deps.Funds,
		quotes: deps.Quotes,
		store:  store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics:     newMetricsRegistry(),
		logger:      logger,
		dbHealthFn:  deps.DBHealth,
		rpcHealthFn: deps.RPCHealth,
		dlqDepthFn:  deps.DLQDepth,
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.timingMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	signed := api.NewRoute().Subrouter()
	signed.Use(s.hmac.Middleware)
	signed.HandleFunc("/records", s.handleCreate).Methods(http.MethodPost)
	signed.HandleFunc("/records/{id:[0-9]+}", s.handleGetRecord).Methods(http.MethodGet)
	signed.HandleFunc("/records/{id:[0-9]+}/claim", s.handleClaim).Methods(http.MethodPost)
	signed.HandleFunc("/records/{id:[0-9]+}/claim-channel", s.handleClaimChannel).Methods(http.MethodPost)
	signed.HandleFunc("/records/{id:[0-9]+}/reclaim", s.handleReclaim).Methods(http.MethodPost)
	signed.HandleFunc("/fees", s.handleFees).Methods(http.MethodGet)
	signed.HandleFunc("/fee-rate", s.handleSetFeeRate).Methods(http.MethodPut)
	signed.HandleFunc("/rate", s.handleRate).Methods(http.MethodGet)
	signed.HandleFunc("/deposits", s.handleDeposit).Methods(http.MethodPost)
	signed.HandleFunc("/balances/{address}", s.handleBalance).Methods(http.MethodGet)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ObserveDispatch records a signal delivery outcome.
func (s *Server) ObserveDispatch(result string) {
	s.metrics.incDispatch(result)
}

// SetDLQDepth publishes the dead-letter directory size.
func (s *Server) SetDLQDepth(depth int) {
	s.metrics.setDLQDepth(depth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
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
	} else {
		rpcInfo.Connected = true
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

	queueDepth := 0
	if s.dlqDepthFn != nil {
		queueDepth = s.dlqDepthFn()
		s.metrics.setDLQDepth(queueDepth)
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status     string `json:"status"`
		RPC        any    `json:"rpc"`
		Database   any    `json:"database"`
		QueueDepth int    `json:"queue_depth"`
		FeeRateBps uint32 `json:"fee_rate_bps"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
		FeeRateBps: s.escrow.FeeRate(),
	})
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

func (s *Server) timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
