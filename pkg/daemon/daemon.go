// Package daemon implements the control-plane HTTP API (C10): time,
// greeting, push, and status, plus the telemetry producer thread that
// feeds the ingest listener with host and per-service resource usage.
package daemon

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/paasd/pkg/auth"
	"github.com/cuemby/paasd/pkg/container"
	"github.com/cuemby/paasd/pkg/deploy"
	"github.com/cuemby/paasd/pkg/log"
)

// Server is the daemon's HTTP surface. It owns the single-writer
// deploy gate and the rate limiters guarding /push and /status.
type Server struct {
	Authenticator *auth.Authenticator
	Driver        *container.Driver
	Orchestrator  *deploy.Orchestrator
	Env           map[string]string

	// DeployCacheDir is where an uploaded archive is extracted before
	// the orchestrator reads it (cleared on every push).
	DeployCacheDir string

	limiters   sync.Map // client IP -> *rate.Limiter
	limitRate  rate.Limit
	limitBurst int

	gate writerGate
}

// NewServer constructs a Server. limitPerSecond/burst configure the
// per-client token bucket in front of /push and /status; a limit of 0
// disables rate limiting.
func NewServer(a *auth.Authenticator, driver *container.Driver, orch *deploy.Orchestrator, env map[string]string, deployCacheDir string, limitPerSecond float64, burst int) *Server {
	return &Server{
		Authenticator:  a,
		Driver:         driver,
		Orchestrator:   orch,
		Env:            env,
		DeployCacheDir: deployCacheDir,
		limitRate:      rate.Limit(limitPerSecond),
		limitBurst:     burst,
	}
}

// Handler returns the daemon's top-level mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/time", s.handleTime)
	mux.HandleFunc("/push", s.rateLimited(s.handlePush))
	mux.HandleFunc("/status", s.rateLimited(s.handleStatus))
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "404 not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hi there, this is the paasd daemon!!"))
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strconv.FormatInt(time.Now().Unix(), 10)))
}

// rateLimited wraps next with a per-client-IP token bucket, ahead of
// any authentication so a misbehaving client can't hammer the
// single-writer gate before a key is even checked.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limitRate <= 0 {
			next(w, r)
			return
		}
		ip := clientIP(r)
		limiterI, _ := s.limiters.LoadOrStore(ip, rate.NewLimiter(s.limitRate, s.limitBurst))
		limiter := limiterI.(*rate.Limiter)
		if !limiter.Allow() {
			log.Warn("daemon: rate limit exceeded for " + ip)
			http.Error(w, "429 too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// authenticate validates the query's id/token/sig1 triple identically
// for push and status, matching the original daemon's single auth path.
func (s *Server) authenticate(r *http.Request) string {
	id := r.URL.Query().Get("id")
	token := r.URL.Query().Get("token")
	sig1 := r.URL.Query().Get("sig1")
	return s.Authenticator.Authenticate(id, token, sig1)
}

// writerGate is the process-scoped single-writer lock: at most one
// deploy runs host-wide. A second concurrent push observes inProgress
// and waits without starting orchestrator work.
type writerGate struct {
	mu         sync.Mutex
	inProgress bool
	holder     string
}

// tryAcquire reports the current holder (empty if free) without
// blocking.
func (g *writerGate) tryAcquire(fingerprint string) (acquired bool, holder string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inProgress {
		return false, g.holder
	}
	g.inProgress = true
	g.holder = fingerprint
	return true, ""
}

func (g *writerGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inProgress = false
	g.holder = ""
}
