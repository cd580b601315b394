package notification

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"ig-notification/api/pkg/ratelimit"
	"ig-notification/api/services/storage"
)

// Options configures the HTTP surface of the Service.
type Options struct {
	// APIKey enables X-API-Key checks when non-empty.
	APIKey string
	// SendLimiter throttles the send endpoint per client IP. Nil disables it.
	SendLimiter *ratelimit.Limiter
	TrustProxy  bool
}

// Service handles HTTP and JSON-RPC requests for the email relay.
// Sends go through the Dispatcher; log reads go straight to storage.
type Service struct {
	storage    storage.Storage
	dispatcher *Dispatcher
	opts       Options
}

// NewService creates a notification Service.
func NewService(store storage.Storage, dispatcher *Dispatcher, opts Options) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("service: store cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("service: dispatcher cannot be nil")
	}
	return &Service{storage: store, dispatcher: dispatcher, opts: opts}, nil
}

// jsonMiddleware sets the Content-Type header to application/json
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/email").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware, APIKey(s.opts.APIKey))

	send := http.Handler(http.HandlerFunc(s.HandleSend))
	if s.opts.SendLimiter != nil {
		send = RateLimit(s.opts.SendLimiter, s.opts.TrustProxy)(send)
	}
	router.Handle("/send", send).Methods("POST")
	router.HandleFunc("/logs", s.HandleListLogs).Methods("GET")
	router.HandleFunc("/logs/{id}", s.HandleGetLog).Methods("GET")
}

// LoadRPCRoutes mounts the JSON-RPC endpoint on the MCP listener's router.
func (s *Service) LoadRPCRoutes(router *mux.Router) {
	handler := APIKey(s.opts.APIKey)(http.HandlerFunc(s.HandleRPC))
	router.Handle("/mcp", jsonMiddleware(handler)).Methods("POST")
}
