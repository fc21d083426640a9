// Package ratelimit throttles HTTP clients per path prefix.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/sectorwars/internal/auth"
	"github.com/example/sectorwars/internal/metrics"
)

// Rule allows Requests per Window for one client.
type Rule struct {
	Name     string
	Prefix   string
	Requests int
	Window   time.Duration
}

func (r Rule) limit() rate.Limit {
	return rate.Every(r.Window / time.Duration(r.Requests))
}

// DefaultRules are tighter on login and websocket upgrades and looser for
// administrators.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "auth", Prefix: "/api/auth/", Requests: 5, Window: time.Minute},
		{Name: "admin", Prefix: "/api/admin/", Requests: 200, Window: time.Minute},
		{Name: "websocket", Prefix: "/ws", Requests: 5, Window: 5 * time.Minute},
		{Name: "api", Prefix: "/api/", Requests: 60, Window: time.Minute},
	}
}

// DefaultFallback applies to paths no rule matches.
var DefaultFallback = Rule{Name: "default", Requests: 100, Window: time.Minute}

type entry struct {
	limiter *rate.Limiter
	seen    time.Time
}

type Limiter struct {
	rules    []Rule
	fallback Rule
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[string]*entry
}

func New(rules []Rule, fallback Rule, log zerolog.Logger) *Limiter {
	return &Limiter{
		rules:    rules,
		fallback: fallback,
		log:      log,
		now:      time.Now,
		clients:  make(map[string]*entry),
	}
}

// match returns the rule with the longest matching prefix.
func (l *Limiter) match(path string) Rule {
	best, n := l.fallback, -1
	for _, r := range l.rules {
		if strings.HasPrefix(path, r.Prefix) && len(r.Prefix) > n {
			best, n = r, len(r.Prefix)
		}
	}
	return best
}

// ClientKey identifies the caller: the authenticated subject, else the
// first forwarded address, else the peer address.
func ClientKey(r *http.Request) string {
	if u, ok := auth.UserFromContext(r.Context()); ok && u.Subject != "" {
		return "user:" + u.Subject
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Allow spends one token for key under rule. When denied it also returns how
// long until a token is available.
func (l *Limiter) Allow(key string, rule Rule) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	id := rule.Name + "|" + key
	e, ok := l.clients[id]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rule.limit(), rule.Requests)}
		l.clients[id] = e
	}
	e.seen = now
	l.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, rule.Window
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Sweep forgets clients idle since before cutoff and returns how many.
func (l *Limiter) Sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.clients {
		if e.seen.Before(cutoff) {
			delete(l.clients, id)
			n++
		}
	}
	return n
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		rule := l.match(r.URL.Path)
		key := ClientKey(r)
		ok, wait := l.Allow(key, rule)
		if !ok {
			metrics.RecordRateLimited(rule.Name)
			l.log.Warn().Str("client", key).Str("rule", rule.Name).Str("path", r.URL.Path).Msg("rate limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
