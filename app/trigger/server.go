package trigger

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/b3x-data/b3x/pkg/breaker"
	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/utils"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxNotificationBytes = 1 << 20

// API serves the trigger's HTTP surface.
type API struct {
	Dispatcher *Dispatcher
	Breaker    *breaker.Breaker
	InFlight   func() []string
	Ready      func() bool
	Token      string
	JWTSecret  []byte
	Logger     *zap.Logger
}

// Router returns the API routes.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods(http.MethodGet)
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready == nil || a.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/notifications", a.RequireAuth(http.HandlerFunc(a.HandleNotifications))).Methods(http.MethodPost)
	api.Handle("/breaker", a.RequireAuth(http.HandlerFunc(a.HandleBreaker))).Methods(http.MethodGet)
	api.Handle("/dispatch", a.RequireAuth(http.HandlerFunc(a.HandleDispatch))).Methods(http.MethodGet)
	return r
}

// NewServer wraps the router in an http.Server listening on addr.
func (a *API) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// HandleNotifications accepts an S3 event and queues each record for dispatch.
func (a *API) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = utils.DrainAndClose(r.Body) }()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	ns, err := event.ParseS3Event(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	accepted := 0
	for _, n := range ns {
		if a.Dispatcher.Submit(n) {
			accepted++
		}
	}
	status := http.StatusAccepted
	if accepted < len(ns) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]int{"records": len(ns), "accepted": accepted})
}

// HandleBreaker reports the circuit state and the partitions in flight.
func (a *API) HandleBreaker(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		breaker.Snapshot
		InFlight []string `json:"in_flight"`
	}{Snapshot: a.Breaker.Snapshot()}
	if a.InFlight != nil {
		resp.InFlight = a.InFlight()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDispatch reports dispatch outcome counters.
func (a *API) HandleDispatch(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Dispatcher.Counts())
}

// ValidateToken accepts the static webhook token or an HS256 JWT signed with the webhook secret.
func (a *API) ValidateToken(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if a.Token != "" && token == a.Token {
		return true
	}
	if len(a.JWTSecret) == 0 {
		return false
	}
	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) { return a.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil && tok.Valid
}

// RequireAuth middleware. With neither token nor secret configured every request passes.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (a.Token == "" && len(a.JWTSecret) == 0) || a.ValidateToken(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
