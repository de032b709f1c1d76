// Package router implements the embedded HTTP server devices talk to.
//
// One Server runs per process. Sessions register as the Responder for the
// LAN IP of their device; every inbound request is dispatched by its source
// IP. Requests from unknown addresses, requests outside the LAN path prefix
// and requests a responder declines are answered with an empty 400.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/lanmode/lanmode-go/pkg/log"
)

// PathPrefix is the path prefix dispatched to responders.
const PathPrefix = "/local_lan"

// Default configuration values.
const (
	DefaultPort         = 10275
	DefaultPortAttempts = 10
	DefaultMaxBodySize  = 64 * 1024
	DefaultReadTimeout  = 15 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Server errors.
var (
	ErrAlreadyRunning = errors.New("router already running")
	ErrNoPort         = errors.New("no port available")
)

// Request is an inbound device request.
type Request struct {
	// ID uniquely identifies the exchange in protocol captures.
	ID string

	Method   string
	URI      string
	Path     string
	Header   http.Header
	Body     []byte
	RemoteIP string
	Received time.Time
}

// Response is what a Responder returns for a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSONResponse returns a response with a JSON content type.
func JSONResponse(status int, body []byte) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: status, Header: h, Body: body}
}

// EmptyResponse returns a response without a body.
func EmptyResponse(status int) *Response {
	return &Response{StatusCode: status}
}

// Responder handles requests from one LAN IP.
// Implementations must be comparable (typically pointers).
type Responder interface {
	// ServeLAN handles a request. Returning nil makes the server answer 400.
	ServeLAN(ctx context.Context, req *Request) *Response

	// Replaced is called when another responder registers for lanIP.
	// It is not called for Unregister.
	Replaced(lanIP string)
}

// Config configures a Server.
type Config struct {
	// Host to bind (empty for all interfaces).
	Host string

	// Port is the preferred port. Zero selects DefaultPort; a negative value
	// binds an ephemeral port.
	Port int

	// PortAttempts is how many consecutive ports are tried.
	PortAttempts int

	// MaxBodySize bounds request bodies.
	MaxBodySize int64

	// Logger for operational logging (optional).
	Logger *slog.Logger

	// ProtocolLogger captures requests and responses (optional).
	ProtocolLogger log.Logger
}

// Server is the embedded request router.
type Server struct {
	config     Config
	mux        chi.Router
	httpServer *http.Server
	listener   net.Listener
	port       atomic.Int32

	responders map[string]Responder
	mu         sync.RWMutex

	running atomic.Bool
	wg      sync.WaitGroup
	logger  *slog.Logger
	plog    log.Logger
}

// NewServer creates a router. Call Start to begin listening; ServeHTTP can
// be used directly without a listener.
func NewServer(config Config) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.PortAttempts <= 0 {
		config.PortAttempts = DefaultPortAttempts
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}

	s := &Server{
		config:     config,
		responders: make(map[string]Responder),
		logger:     config.Logger,
		plog:       log.OrNoop(config.ProtocolLogger),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(PathPrefix+"/*", http.HandlerFunc(s.dispatch))
	r.NotFound(badRequest)
	r.MethodNotAllowed(badRequest)
	s.mux = r
	return s
}

// Start binds the preferred port, falling back to the following ports, and
// begins serving. The bound port is reported by Port.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln
	s.port.Store(int32(ln.Addr().(*net.TCPAddr).Port))
	s.running.Store(true)
	s.httpServer = &http.Server{
		Handler:     s,
		ReadTimeout: DefaultReadTimeout,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	srv := s.httpServer

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logError("router: serve failed", err)
		}
	}()

	s.debugLog("router: listening", "port", s.Port())
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.config.Port < 0 {
		return net.Listen("tcp", net.JoinHostPort(s.config.Host, "0"))
	}

	var lastErr error
	for i := 0; i < s.config.PortAttempts; i++ {
		port := s.config.Port + i
		ln, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(port)))
		if err == nil {
			if i > 0 {
				s.debugLog("router: preferred port taken", "preferred", s.config.Port, "bound", port)
			}
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: ports %d-%d: %v", ErrNoPort,
		s.config.Port, s.config.Port+s.config.PortAttempts-1, lastErr)
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	s.port.Store(0)
	return err
}

// Running reports whether the server is listening.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Port returns the bound port, or 0 when not listening.
func (s *Server) Port() int {
	return int(s.port.Load())
}

// Register makes responder the handler for lanIP. A different responder
// previously registered for lanIP is told via Replaced.
func (s *Server) Register(responder Responder, lanIP string) {
	ip := normalizeIP(lanIP)

	s.mu.Lock()
	old, exists := s.responders[ip]
	s.responders[ip] = responder
	s.mu.Unlock()

	s.logResponder(ip, "REGISTERED", "")
	if exists && old != responder {
		s.logResponder(ip, "REPLACED", "duplicate lan ip")
		old.Replaced(ip)
	}
}

// Unregister removes responder from lanIP if it is the registered one.
func (s *Server) Unregister(responder Responder, lanIP string) {
	ip := normalizeIP(lanIP)

	s.mu.Lock()
	cur, exists := s.responders[ip]
	if exists && cur == responder {
		delete(s.responders, ip)
	}
	s.mu.Unlock()

	if exists && cur == responder {
		s.logResponder(ip, "UNREGISTERED", "")
	}
}

// Responder returns the responder registered for lanIP, or nil.
func (s *Server) Responder(lanIP string) Responder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.responders[normalizeIP(lanIP)]
}

// ResponderCount returns the number of registered responders.
func (s *Server) ResponderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.responders)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := remoteIP(r.RemoteAddr)
	id := uuid.New().String()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		s.debugLog("router: read body failed", "remote", r.RemoteAddr, "error", err)
		badRequest(w, r)
		return
	}

	s.plog.Log(log.Event{
		Timestamp:  start,
		RequestID:  id,
		Direction:  log.DirectionIn,
		Layer:      log.LayerRouter,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleApp,
		RemoteAddr: r.RemoteAddr,
		LanIP:      ip,
		HTTP:       log.NewHTTPEvent(r.Method, r.URL.RequestURI(), 0, body),
	})

	responder := s.Responder(ip)
	if responder == nil {
		s.debugLog("router: no responder", "lan_ip", ip, "path", r.URL.Path)
		s.writeResponse(w, id, ip, nil)
		return
	}

	resp := responder.ServeLAN(r.Context(), &Request{
		ID:       id,
		Method:   r.Method,
		URI:      r.URL.RequestURI(),
		Path:     r.URL.Path,
		Header:   r.Header.Clone(),
		Body:     body,
		RemoteIP: ip,
		Received: start,
	})
	s.writeResponse(w, id, ip, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, id, ip string, resp *Response) {
	if resp == nil {
		resp = EmptyResponse(http.StatusBadRequest)
	}
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	if len(resp.Body) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}

	s.plog.Log(log.Event{
		Timestamp: time.Now(),
		RequestID: id,
		Direction: log.DirectionOut,
		Layer:     log.LayerRouter,
		Category:  log.CategoryMessage,
		LocalRole: log.RoleApp,
		LanIP:     ip,
		HTTP:      log.NewHTTPEvent("", "", resp.StatusCode, resp.Body),
	})
}

func (s *Server) logResponder(ip, state, reason string) {
	s.plog.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerRouter,
		Category:  log.CategoryState,
		LocalRole: log.RoleApp,
		LanIP:     ip,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityResponder,
			NewState: state,
			Reason:   reason,
		},
	})
}

func (s *Server) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Server) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "error", err)
	}
}

func badRequest(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusBadRequest)
}

// remoteIP extracts the normalised IP from an http.Request RemoteAddr.
func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return normalizeIP(host)
}

// normalizeIP unmaps IPv4-in-IPv6 addresses and drops zones so that
// registrations and inbound requests compare equal.
func normalizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().WithZone("").String()
}
