// Command gateway is the thin HTTP front door over the execution gateway
// core (§6.1): it performs no auth, rate limiting, or audit logging of its
// own — those stay external per the spec's non-goals — and exists only to
// give the core a runnable demo, mapping core result kinds to status codes
// exactly per §6.1's table.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/config"
	"github.com/execgateway/core/internal/gateway/admission"
	"github.com/execgateway/core/internal/gateway/broker/mock"
	coordredis "github.com/execgateway/core/internal/gateway/coordinator/redis"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/fatfinger"
	"github.com/execgateway/core/internal/gateway/gate"
	ledgerpostgres "github.com/execgateway/core/internal/gateway/ledger/postgres"
	"github.com/execgateway/core/internal/gateway/modification"
	"github.com/execgateway/core/internal/gateway/reconcile"
	"github.com/execgateway/core/internal/gateway/recovery"
	"github.com/execgateway/core/internal/gateway/reservation"
	"github.com/execgateway/core/internal/gateway/scheduler"
	"github.com/execgateway/core/internal/gateway/twap"
	"github.com/execgateway/core/internal/gateway/webhook"
	"github.com/execgateway/core/pkg/database"
	"github.com/execgateway/core/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability)
	ctx := context.Background()

	db, err := database.NewPostgresDB(cfg.Database, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(cfg.Redis, logger)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	led := ledgerpostgres.New(db)
	coord := coordredis.New(redisClient)
	brokerClient := mock.New()

	recon := reconcile.New(brokerClient, led, coord, logger, cfg.Reconcile.PeriodicInterval, cfg.Reconcile.StalePendingInterval)
	go recon.Run(ctx)

	rec := recovery.New(
		func(ctx context.Context) error { _, err := coord.IsKillSwitchEngaged(ctx); return err },
		func(ctx context.Context) error { _, err := coord.IsCircuitBreakerTripped(ctx); return err },
		func(ctx context.Context) error { _, err := coord.GetReservedQty(ctx, "HEALTHCHECK", domain.SideBuy); return err },
		nil,
		logger,
	)
	go runAvailabilityProbe(ctx, rec)

	checker := gate.New(rec, coord, recon)
	reserveMgr := reservation.New(coord, cfg.Reservation.TTL)

	ffDefaults := fatfinger.Thresholds{}
	if v, ok := parseDecimal(cfg.FatFinger.DefaultMaxNotional); ok {
		ffDefaults.MaxNotional = &v
	}
	if cfg.FatFinger.DefaultMaxQty > 0 {
		q := cfg.FatFinger.DefaultMaxQty
		ffDefaults.MaxQty = &q
	}
	if v, ok := parseDecimal(cfg.FatFinger.DefaultMaxADVPct); ok {
		ffDefaults.MaxADVPct = &v
	}
	ffValidator := fatfinger.New(ffDefaults, nil)

	var defaultLimit *decimal.Decimal
	if v, ok := parseDecimal(cfg.PositionLimit.DefaultMaxQty); ok {
		defaultLimit = &v
	}

	admissionSvc := admission.New(led, brokerClient, checker, reserveMgr, ffValidator, nil, logger,
		cfg.Broker.DryRun, time.Duration(cfg.FatFinger.MaxPriceAgeSeconds)*time.Second, defaultLimit, nil)

	sched := scheduler.New(led, brokerClient, reserveMgr, checker, logger)
	modEngine := modification.New(led, brokerClient, coord, checker, reserveMgr, logger, cfg.Modification.LockTimeout)
	webhookIngestor := webhook.New(led, coord, logger, cfg.Webhook.SigningSecret)

	srv := &server{
		admission: admissionSvc,
		scheduler: sched,
		modEngine: modEngine,
		webhook:   webhookIngestor,
		logger:    logger,
		cfg:       cfg,
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Security.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Webhook-Signature"},
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      corsHandler.Handler(srv.routes()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "starting execution gateway", map[string]interface{}{"addr": httpServer.Addr, "dry_run": cfg.Broker.DryRun})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "shutting down execution gateway", nil)
	recon.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}
	logger.Info(ctx, "execution gateway stopped", nil)
}

// runAvailabilityProbe periodically attempts recovery of the safety
// components; RecoveryManager's own AttemptRecovery is a no-op when
// nothing is flagged unavailable, so a short fixed interval is cheap.
func runAvailabilityProbe(ctx context.Context, rec *recovery.Manager) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec.AttemptRecovery(ctx)
		}
	}
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Decimal{}, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return v, true
}

// server holds the gateway's HTTP handlers. All request/response
// marshaling lives here; every component below it works entirely in Go
// types, never net/http.
type server struct {
	admission *admission.Service
	scheduler *scheduler.Scheduler
	modEngine *modification.Engine
	webhook   *webhook.Ingestor
	logger    *observability.Logger
	cfg       *config.Config
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/orders", s.handleSubmitOrder)
	mux.HandleFunc("POST /v1/orders/{id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("POST /v1/orders/{id}/modify", s.handleModifyOrder)
	mux.HandleFunc("POST /v1/twap", s.handleSubmitTwap)
	mux.HandleFunc("POST /v1/webhooks/broker", s.handleWebhook)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitOrderRequest struct {
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            string  `json:"qty"`
	OrderType      string  `json:"order_type"`
	LimitPrice     *string `json:"limit_price,omitempty"`
	StopPrice      *string `json:"stop_price,omitempty"`
	TimeInForce    string  `json:"time_in_force"`
	StrategyID     string  `json:"strategy_id"`
	ExecutionStyle string  `json:"execution_style,omitempty"`
}

func (s *server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}

	qty, err := decimal.NewFromString(body.Qty)
	if err != nil {
		writeError(w, &domain.ValidationError{Field: "qty", Reason: "not a valid decimal"})
		return
	}

	req := admission.Request{
		Symbol: body.Symbol, Side: domain.OrderSide(body.Side), Qty: qty,
		OrderType: domain.OrderType(body.OrderType), TimeInForce: domain.TimeInForce(body.TimeInForce),
		StrategyID: body.StrategyID, ExecutionStyle: domain.ExecutionStyle(body.ExecutionStyle),
	}
	if body.LimitPrice != nil {
		if v, err := decimal.NewFromString(*body.LimitPrice); err == nil {
			req.LimitPrice = &v
		}
	}
	if body.StopPrice != nil {
		if v, err := decimal.NewFromString(*body.StopPrice); err == nil {
			req.StopPrice = &v
		}
	}

	resp, err := s.admission.Submit(r.Context(), req, admission.AuthContext{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusForResponse(resp), resp)
}

func (s *server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	resp, err := s.admission.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type modifyOrderRequest struct {
	IdempotencyKey string  `json:"idempotency_key"`
	NewQty         *string `json:"new_qty,omitempty"`
	NewLimitPrice  *string `json:"new_limit_price,omitempty"`
	NewStopPrice   *string `json:"new_stop_price,omitempty"`
}

func (s *server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var body modifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}

	req := modification.Request{
		OriginalClientOrderID: r.PathValue("id"),
		IdempotencyKey:        body.IdempotencyKey,
	}
	if body.NewQty != nil {
		if v, err := decimal.NewFromString(*body.NewQty); err == nil {
			req.NewQty = &v
		}
	}
	if body.NewLimitPrice != nil {
		if v, err := decimal.NewFromString(*body.NewLimitPrice); err == nil {
			req.NewLimitPrice = &v
		}
	}
	if body.NewStopPrice != nil {
		if v, err := decimal.NewFromString(*body.NewStopPrice); err == nil {
			req.NewStopPrice = &v
		}
	}

	resp, err := s.modEngine.Modify(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Modification.Status == domain.ModificationPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

type submitTwapRequest struct {
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Qty             int64   `json:"qty"`
	OrderType       string  `json:"order_type"`
	LimitPrice      *string `json:"limit_price,omitempty"`
	StopPrice       *string `json:"stop_price,omitempty"`
	TimeInForce     string  `json:"time_in_force"`
	StrategyID      string  `json:"strategy_id"`
	DurationMinutes int     `json:"duration_minutes"`
	IntervalSeconds int     `json:"interval_seconds"`
}

func (s *server) handleSubmitTwap(w http.ResponseWriter, r *http.Request) {
	var body submitTwapRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}

	req := twap.Request{
		Symbol: body.Symbol, Side: domain.OrderSide(body.Side), Qty: body.Qty,
		OrderType: domain.OrderType(body.OrderType), TimeInForce: domain.TimeInForce(body.TimeInForce),
		StrategyID: body.StrategyID, DurationMinutes: body.DurationMinutes, IntervalSeconds: body.IntervalSeconds,
		Now: time.Now().UTC(),
	}
	if body.LimitPrice != nil {
		if v, err := decimal.NewFromString(*body.LimitPrice); err == nil {
			req.LimitPrice = &v
		}
	}
	if body.StopPrice != nil {
		if v, err := decimal.NewFromString(*body.StopPrice); err == nil {
			req.StopPrice = &v
		}
	}

	plan, err := twap.Plan(req)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	parent := domain.Order{
		ClientOrderID: plan.ParentOrderID, StrategyID: req.StrategyID, Symbol: req.Symbol,
		Side: req.Side, Qty: plan.TotalQty, OrderType: req.OrderType,
		LimitPrice: req.LimitPrice, StopPrice: req.StopPrice, TimeInForce: req.TimeInForce,
		ExecutionStyle: domain.ExecutionStyleTWAP, Status: domain.StatusPendingNew,
		TotalSlices: intPtr(plan.NumSlices), CreatedAt: now, UpdatedAt: now,
		StatusRank: domain.StatusRankOf(domain.StatusPendingNew), BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}

	children := make([]domain.Order, 0, len(plan.Slices))
	for _, sl := range plan.Slices {
		sliceNum := sl.SliceNum
		scheduled := sl.ScheduledTime
		parentID := plan.ParentOrderID
		children = append(children, domain.Order{
			ClientOrderID: sl.ClientOrderID, StrategyID: req.StrategyID, Symbol: req.Symbol,
			Side: req.Side, Qty: sl.Qty, OrderType: req.OrderType,
			LimitPrice: req.LimitPrice, StopPrice: req.StopPrice, TimeInForce: req.TimeInForce,
			ExecutionStyle: domain.ExecutionStyleTWAP, Status: domain.StatusPendingNew,
			ParentOrderID: &parentID, SliceNum: &sliceNum, ScheduledTime: &scheduled,
			CreatedAt: now, UpdatedAt: now,
			StatusRank: domain.StatusRankOf(domain.StatusPendingNew), BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
		})
	}

	if err := s.scheduler.RegisterPlan(r.Context(), parent, plan, children, twap.LegacyParentID(req)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, plan)
}

type brokerWebhookPayload struct {
	ClientOrderID     string     `json:"client_order_id"`
	BrokerOrderID     string     `json:"broker_order_id"`
	Status            string     `json:"status"`
	BrokerUpdatedAt   *time.Time `json:"broker_updated_at,omitempty"`
	EnvelopeTimestamp *time.Time `json:"envelope_timestamp,omitempty"`
	Fill              *struct {
		FillID    string          `json:"fill_id"`
		Qty       decimal.Decimal `json:"qty"`
		Price     decimal.Decimal `json:"price"`
		Timestamp time.Time       `json:"timestamp"`
	} `json:"fill,omitempty"`
}

func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body := make([]byte, 0)
	buf := make([]byte, 4096)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err != nil {
			break
		}
	}

	if err := s.webhook.VerifySignature(body, r.Header.Get("X-Webhook-Signature")); err != nil {
		writeError(w, err)
		return
	}

	var payload brokerWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}

	ev := webhook.Event{
		ClientOrderID: payload.ClientOrderID, BrokerOrderID: payload.BrokerOrderID,
		Status: domain.OrderStatus(payload.Status),
	}
	if payload.BrokerUpdatedAt != nil {
		ev.BrokerUpdatedAt = *payload.BrokerUpdatedAt
	}
	if payload.EnvelopeTimestamp != nil {
		ev.EnvelopeTimestamp = *payload.EnvelopeTimestamp
	}
	if payload.Fill != nil {
		ev.Fill = &webhook.FillEvent{
			FillID: payload.Fill.FillID, Qty: payload.Fill.Qty, Price: payload.Fill.Price, Timestamp: payload.Fill.Timestamp,
		}
	}

	applied, err := s.webhook.Ingest(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func intPtr(i int) *int { return &i }

func statusForResponse(resp domain.OrderResponse) int {
	if resp.Idempotent {
		return http.StatusOK
	}
	if resp.DryRun {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

// writeError maps a core error kind to an HTTP status code exactly per
// §6.1's table: validation->400, availability->503, broker->502,
// conflict->409, everything else->500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case isValidation(err):
		status = http.StatusBadRequest
	case isAvailability(err):
		status = http.StatusServiceUnavailable
	case isBroker(err):
		status = http.StatusBadGateway
	case isConflict(err):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func isValidation(err error) bool {
	var e1 *domain.ValidationError
	var e2 *domain.SafetyGateError
	var e3 *domain.FatFingerBreachError
	var e4 *domain.PositionLimitError
	var e5 *domain.BrokerValidationError
	return errors.As(err, &e1) || errors.As(err, &e2) || errors.As(err, &e3) || errors.As(err, &e4) || errors.As(err, &e5)
}

func isAvailability(err error) bool {
	var e *domain.AvailabilityError
	return errors.As(err, &e)
}

func isBroker(err error) bool {
	var e1 *domain.BrokerTransportError
	var e2 *domain.BrokerRejectionError
	return errors.As(err, &e1) || errors.As(err, &e2)
}

func isConflict(err error) bool {
	var e *domain.ConflictError
	return errors.As(err, &e)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
