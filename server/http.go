package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/engineapi"
	"github.com/cloudx-io/pennyauction/settlement"
)

const (
	UserIDHeader    = "X-User-ID"
	RequestIDHeader = "X-Request-Id"

	maxRequestBody = 1 << 20
)

// Subscriber streams committed auction events, as events.Broadcaster does.
type Subscriber interface {
	Subscribe(auctionID string) (<-chan settlement.Event, func())
}

// API is the HTTP surface of the engine
type API struct {
	engine  *Engine
	updates Subscriber
	metrics prometheus.Gatherer
}

// NewAPI builds the HTTP API. updates and metrics are optional; without
// them the event stream and /metrics routes are not registered.
func NewAPI(engine *Engine, updates Subscriber, metrics prometheus.Gatherer) *API {
	return &API{engine: engine, updates: updates, metrics: metrics}
}

// Router registers the routes and middleware stack
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", a.healthz)
	if a.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auctions", a.createAuction)
		r.Get("/auctions/{auctionID}", a.auctionStatus)
		r.Post("/auctions/{auctionID}/bids", a.placeBid)
		r.Post("/auctions/{auctionID}/claim", a.claim)
		if a.updates != nil {
			r.Get("/auctions/{auctionID}/events", a.streamEvents)
		}
		r.Get("/balances/{userID}", a.balance)
	})
	return r
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) createAuction(w http.ResponseWriter, r *http.Request) {
	var req engineapi.CreateAuctionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeOutcome(w, engineapi.NewAuctionStatusFailure(fmt.Errorf("%w: malformed body: %v", core.ErrInvalidRequest, err)))
		return
	}
	result := a.engine.CreateAuction(r.Context(), req)
	if result.Success {
		writeJSON(w, http.StatusCreated, result)
		return
	}
	writeOutcome(w, result)
}

func (a *API) auctionStatus(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, a.engine.Status(r.Context(), chi.URLParam(r, "auctionID")))
}

func (a *API) placeBid(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, a.engine.PlaceBid(r.Context(), chi.URLParam(r, "auctionID"), r.Header.Get(UserIDHeader)))
}

func (a *API) claim(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, a.engine.Claim(r.Context(), chi.URLParam(r, "auctionID"), r.Header.Get(UserIDHeader)))
}

func (a *API) balance(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, a.engine.Balance(r.Context(), chi.URLParam(r, "userID")))
}

// streamEvents relays auction events as server-sent events until the client
// leaves or the subscription is dropped for falling behind.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOutcome(w, engineapi.NewErrorResult(fmt.Errorf("streaming unsupported")))
		return
	}
	auctionID := chi.URLParam(r, "auctionID")
	if status := a.engine.Status(r.Context(), auctionID); !status.Success {
		writeOutcome(w, status)
		return
	}

	events, cancel := a.updates.Subscribe(auctionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("ERROR: Failed to encode %s event: %v", event.Type, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeOutcome(w http.ResponseWriter, result any) {
	writeJSON(w, statusFor(outcomeOf(result)), result)
}

func outcomeOf(result any) engineapi.Outcome {
	switch r := result.(type) {
	case engineapi.BidResult:
		return r.Outcome
	case engineapi.ClaimResult:
		return r.Outcome
	case engineapi.AuctionStatusResult:
		return r.Outcome
	case engineapi.BalanceResult:
		return r.Outcome
	case engineapi.Outcome:
		return r
	default:
		return engineapi.Outcome{ErrorKind: string(core.KindInternal)}
	}
}

// statusFor maps a discriminated result to its HTTP status. The body always
// carries the full result, so clients can rely on error_kind alone.
func statusFor(o engineapi.Outcome) int {
	if o.Success {
		return http.StatusOK
	}
	switch core.ErrorKind(o.ErrorKind) {
	case core.KindInvalidRequest, core.KindInvalidAuction:
		return http.StatusBadRequest
	case core.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case core.KindNotWinner:
		return http.StatusForbidden
	case core.KindAuctionNotFound:
		return http.StatusNotFound
	case core.KindStaleBid, core.KindAlreadyClaimed, core.KindAuctionClosed,
		core.KindAuctionNotFinished, core.KindClaimWindowExpired:
		return http.StatusConflict
	case core.KindGatewayError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("ERROR: Panic recovered in %s %s (request %s): %v",
					r.Method, r.URL.Path, requestIDFromContext(r.Context()), rec)
				writeOutcome(w, engineapi.NewErrorResult(fmt.Errorf("internal error")))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		level := "INFO"
		switch {
		case recorder.statusCode >= 500:
			level = "ERROR"
		case recorder.statusCode >= 400:
			level = "WARNING"
		}
		log.Printf("%s: %s %s -> %d in %dms (request %s)", level, r.Method, r.URL.Path,
			recorder.statusCode, time.Since(start).Milliseconds(), requestIDFromContext(r.Context()))
	})
}
