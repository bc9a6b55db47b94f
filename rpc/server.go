package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"haggle/indexer"
	"haggle/native/negotiation"
	"haggle/observability"
	"haggle/observability/logging"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	headerRequestID = "X-Request-Id"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeForbidden      = -32003
	codeNotFound       = -32004
	codeConflict       = -32009
	codeRateLimited    = -32020
	codeUnavailable    = -32030
)

// Node is the subset of the node host the RPC server drives.
type Node interface {
	NegotiationCreate(ctx context.Context, buyer, seller [20]byte, sessionID uint64, params negotiation.Params) (*negotiation.Negotiation, error)
	NegotiationAcceptInvitation(ctx context.Context, id [32]byte, caller [20]byte) (*negotiation.Negotiation, error)
	NegotiationSubmitOffer(ctx context.Context, id [32]byte, caller [20]byte, amount uint64, metadata [negotiation.MetadataSize]byte) (*negotiation.Negotiation, error)
	NegotiationAccept(ctx context.Context, id [32]byte, caller [20]byte) (*negotiation.Negotiation, negotiation.Settlement, error)
	NegotiationReject(ctx context.Context, id [32]byte, caller [20]byte) (*negotiation.Negotiation, uint64, error)
	NegotiationExpire(ctx context.Context, id [32]byte, cranker [20]byte) (*negotiation.Negotiation, uint64, error)
	NegotiationClose(ctx context.Context, id [32]byte, caller [20]byte) (uint64, error)
	NegotiationCommitReservation(ctx context.Context, id [32]byte, caller [20]byte, commitment [32]byte) (*negotiation.Negotiation, error)
	NegotiationRevealZopa(ctx context.Context, id [32]byte, buyerMax uint64, buyerSalt [32]byte, sellerMin uint64, sellerSalt [32]byte) (*negotiation.Negotiation, uint64, error)
	NegotiationSetPaused(ctx context.Context, caller [20]byte, paused bool) error
	NegotiationSetTreasury(ctx context.Context, caller, treasury [20]byte) error
	NegotiationGet(id [32]byte) (*negotiation.Negotiation, error)
	NegotiationRegistry() (*negotiation.Registry, error)
	NegotiationsFor(addr [20]byte) ([]*negotiation.Negotiation, error)
	Balance(addr [20]byte, token string) (*uint256.Int, error)
	Faucet(ctx context.Context, addr [20]byte, token string, amount uint64) (*uint256.Int, error)
}

// HistoryStore serves indexed negotiation history. The indexer store
// satisfies it.
type HistoryStore interface {
	History(ctx context.Context, negotiationID string) ([]indexer.EventRecord, error)
}

// CreateDefaults fills creation parameters that the registry does not carry.
type CreateDefaults struct {
	Token          string
	MinOfferBps    uint16
	DeadlineOffset int64
}

// ServerConfig captures the runtime knobs of the JSON-RPC server.
type ServerConfig struct {
	JWT           JWTConfig
	SignatureSkew time.Duration
	Nonces        NoncePersistence

	RateLimitPerSecond float64
	RateLimitBurst     int
	AllowedOrigins     []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Defaults     CreateDefaults
	FaucetAmount uint64

	History HistoryStore
	Hub     *Hub
	Logger  *slog.Logger
}

// Server exposes the negotiation node over JSON-RPC 2.0.
type Server struct {
	node    Node
	cfg     ServerConfig
	auth    *Authenticator
	limiter *rateLimiter
	history HistoryStore
	hub     *Hub
	logger  *slog.Logger

	serverMu   sync.Mutex
	httpServer *http.Server
}

type methodHandler func(s *Server, w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte)

type method struct {
	handler      methodHandler
	requiresAuth bool
}

var methods = map[string]method{
	"negotiation_create":            {handler: (*Server).handleNegotiationCreate, requiresAuth: true},
	"negotiation_acceptInvitation":  {handler: (*Server).handleNegotiationAcceptInvitation, requiresAuth: true},
	"negotiation_submitOffer":       {handler: (*Server).handleNegotiationSubmitOffer, requiresAuth: true},
	"negotiation_accept":            {handler: (*Server).handleNegotiationAccept, requiresAuth: true},
	"negotiation_reject":            {handler: (*Server).handleNegotiationReject, requiresAuth: true},
	"negotiation_expire":            {handler: (*Server).handleNegotiationExpire, requiresAuth: true},
	"negotiation_close":             {handler: (*Server).handleNegotiationClose, requiresAuth: true},
	"negotiation_commitReservation": {handler: (*Server).handleNegotiationCommitReservation, requiresAuth: true},
	"negotiation_revealZopa":        {handler: (*Server).handleNegotiationRevealZopa, requiresAuth: true},
	"negotiation_get":               {handler: (*Server).handleNegotiationGet},
	"negotiation_list":              {handler: (*Server).handleNegotiationList},
	"negotiation_registry":          {handler: (*Server).handleNegotiationRegistry},
	"negotiation_history":           {handler: (*Server).handleNegotiationHistory},
	"admin_setPaused":               {handler: (*Server).handleAdminSetPaused, requiresAuth: true},
	"admin_setTreasury":             {handler: (*Server).handleAdminSetTreasury, requiresAuth: true},
	"account_balance":               {handler: (*Server).handleAccountBalance},
	"account_faucet":                {handler: (*Server).handleAccountFaucet, requiresAuth: true},
}

// NewServer wires the JSON-RPC server around node.
func NewServer(node Node, cfg ServerConfig) (*Server, error) {
	if node == nil {
		return nil, errors.New("rpc: node required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.JWT, cfg.SignatureSkew, cfg.Nonces, time.Now)
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	return &Server{
		node:    node,
		cfg:     cfg,
		auth:    auth,
		limiter: newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		history: cfg.History,
		hub:     cfg.Hub,
		logger:  logger.With(slog.String("component", "rpc")),
	}, nil
}

// HydrateNonces reloads persisted signed-request nonces into the replay cache.
func (s *Server) HydrateNonces(ctx context.Context) error {
	return s.auth.HydrateNonces(ctx)
}

// Handler returns the HTTP routes served by the node.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(cors(s.cfg.AllowedOrigins))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		r.Get("/ws/events", s.hub.ServeHTTP)
	}
	r.Post("/", s.handle)
	return otelhttp.NewHandler(r, "haggled.rpc")
}

// Serve accepts connections on listener until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	if s.hub != nil {
		// Hijacked websocket connections inherit the server write deadline.
		srv.WriteTimeout = 0
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	s.logger.Info("json-rpc listening", slog.String("addr", listener.Addr().String()))
	return srv.Serve(listener)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// codeRecorder remembers the JSON-RPC error code written for metrics.
type codeRecorder struct {
	http.ResponseWriter
	code int
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if rec, ok := w.(*codeRecorder); ok {
		rec.code = code
	}
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.Allow(clientSource(r)) {
		observability.RPC().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	start := time.Now()
	rec := &codeRecorder{ResponseWriter: w}
	defer func() {
		observability.RPC().Observe(req.Method, rec.code, time.Since(start))
	}()

	m, ok := methods[req.Method]
	if !ok {
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	var caller [20]byte
	if m.requiresAuth {
		caller, err = s.auth.Authenticate(r, body)
		if err != nil {
			s.logger.Warn("rpc auth failed",
				slog.String("method", req.Method),
				slog.String("requestId", RequestIDFrom(r.Context())),
				slog.String("authorization", logging.MaskAuthorization(r.Header.Get("Authorization"))),
				logging.MaskField("signature", r.Header.Get(HeaderSignature)),
				slog.Any("error", err))
			writeError(rec, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", err.Error())
			return
		}
	}
	m.handler(s, rec, r, req, caller)
}

func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type requestIDKey struct{}

// RequestIDFrom returns the request id attached by the server middleware.
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	wildcard := len(origins) == 0
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok || wildcard {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Content-Type", "Authorization", headerRequestID,
				HeaderAddress, HeaderTimestamp, HeaderNonce, HeaderSignature,
			}, ", "))
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
