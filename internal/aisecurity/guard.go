package aisecurity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/sectorwars/internal/metrics"
)

// Limits bounds dialogue use per player.
type Limits struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	MaxChars          int
	MaxWords          int
	MaxCostPerDayUSD  float64
}

func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: 10,
		RequestsPerHour:   100,
		RequestsPerDay:    500,
		MaxChars:          500,
		MaxWords:          100,
		MaxCostPerDayUSD:  1.0,
	}
}

const (
	defaultTrustPenalty = 0.1
	shortBlockAfter     = 3
	longBlockAfter      = 5
	shortBlock          = time.Hour
	longBlock           = 6 * time.Hour
	severeBlock         = 24 * time.Hour
	repeatWindow        = time.Hour
	highSpendFraction   = 0.8
)

// trustPenalty is the trust lost per dangerous violation, by type. Types not
// listed cost defaultTrustPenalty.
var trustPenalty = map[ViolationType]float64{
	ViolationXSS:             0.3,
	ViolationSQLInjection:    0.3,
	ViolationPromptInjection: 0.2,
	ViolationJailbreak:       0.4,
	ViolationSystemCommand:   0.5,
	ViolationCodeInjection:   0.4,
	ViolationRateLimit:       0.1,
	ViolationCostAbuse:       0.3,
}

// severe violations block the player for a day on the first offence.
var severe = map[ViolationType]bool{
	ViolationXSS:           true,
	ViolationSQLInjection:  true,
	ViolationSystemCommand: true,
	ViolationCodeInjection: true,
}

// Usage is one player's dialogue spend for a day.
type Usage struct {
	PlayerID string  `json:"playerId"`
	CostUSD  float64 `json:"costUsd"`
	Requests int     `json:"requests"`
}

// UsageStore persists daily spend so limits survive a restart.
type UsageStore interface {
	AddUsage(ctx context.Context, playerID string, at time.Time, usd float64) error
	UsageOn(ctx context.Context, at time.Time) ([]Usage, error)
}

type profile struct {
	limiter       *rate.Limiter
	requests      []time.Time
	violations    int
	byType        map[ViolationType]int
	lastViolation time.Time
	blockedUntil  time.Time
	trust         float64
}

type Verdict struct {
	Safe       bool        `json:"safe"`
	Sanitized  string      `json:"sanitized"`
	Violations []Violation `json:"violations,omitempty"`
}

// Guard holds per-player security state. It is safe for concurrent use.
type Guard struct {
	limits Limits
	usage  UsageStore
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	profiles map[string]*profile
	costDay  string
	costs    map[string]float64
}

func NewGuard(limits Limits, usage UsageStore, log zerolog.Logger) *Guard {
	return &Guard{
		limits:   limits,
		usage:    usage,
		log:      log,
		now:      time.Now,
		profiles: make(map[string]*profile),
		costs:    make(map[string]float64),
	}
}

// Load restores today's spend from the usage store.
func (g *Guard) Load(ctx context.Context) error {
	if g.usage == nil {
		return nil
	}
	now := g.now()
	rows, err := g.usage.UsageOn(ctx, now)
	if err != nil {
		return fmt.Errorf("load ai usage: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(now)
	for _, u := range rows {
		g.costs[u.PlayerID] = u.CostUSD
	}
	return nil
}

func (g *Guard) profileLocked(playerID string) *profile {
	p, ok := g.profiles[playerID]
	if !ok {
		perMinute := max(g.limits.RequestsPerMinute, 1)
		p = &profile{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
			byType:  map[ViolationType]int{},
			trust:   1.0,
		}
		g.profiles[playerID] = p
	}
	return p
}

func (p *profile) blocked(now time.Time) bool {
	return now.Before(p.blockedUntil)
}

// allow checks the hour and day windows, then the per-minute limiter.
func (g *Guard) allow(p *profile, now time.Time) bool {
	cut := 0
	for cut < len(p.requests) && now.Sub(p.requests[cut]) >= 24*time.Hour {
		cut++
	}
	p.requests = p.requests[cut:]
	if len(p.requests) >= g.limits.RequestsPerDay {
		return false
	}
	lastHour := 0
	for _, t := range p.requests {
		if now.Sub(t) < time.Hour {
			lastHour++
		}
	}
	if lastHour >= g.limits.RequestsPerHour {
		return false
	}
	if !p.limiter.AllowN(now, 1) {
		return false
	}
	p.requests = append(p.requests, now)
	return true
}

// penalize records one dangerous violation, lowers trust by the violation's
// weight, and blocks severe or repeat offenders.
func (g *Guard) penalize(playerID string, p *profile, v Violation, now time.Time) {
	p.violations++
	p.byType[v.Type]++
	p.lastViolation = now
	penalty, ok := trustPenalty[v.Type]
	if !ok {
		penalty = defaultTrustPenalty
	}
	p.trust = max(0, p.trust-penalty)

	var until time.Time
	switch {
	case severe[v.Type]:
		until = now.Add(severeBlock)
	case p.violations >= longBlockAfter:
		until = now.Add(longBlock)
	case p.violations >= shortBlockAfter:
		until = now.Add(shortBlock)
	}
	if until.After(p.blockedUntil) {
		p.blockedUntil = until
		g.log.Warn().Str("player_id", playerID).Str("violation", string(v.Type)).Time("until", until).Int("violations", p.violations).Msg("dialogue blocked")
	}
}

// Validate screens one dialogue input for a player.
func (g *Guard) Validate(text, playerID, sessionID string) Verdict {
	now := g.now()
	g.mu.Lock()
	p := g.profileLocked(playerID)

	var vs []Violation
	switch {
	case p.blocked(now):
		vs = []Violation{{
			Type:        ViolationRateLimit,
			Threat:      ThreatBlocked,
			Description: "player is blocked after previous violations",
		}}
	case !g.allow(p, now):
		v := Violation{Type: ViolationRateLimit, Threat: ThreatDangerous, Description: "rate limit exceeded"}
		g.penalize(playerID, p, v, now)
		vs = []Violation{v}
	default:
		vs = Scan(text, g.limits.MaxChars, g.limits.MaxWords)
		for _, v := range vs {
			if v.Threat == ThreatDangerous {
				g.penalize(playerID, p, v, now)
			}
		}
	}
	g.mu.Unlock()

	for _, v := range vs {
		metrics.RecordAIViolation(string(v.Type), string(v.Threat))
		g.log.Warn().
			Str("player_id", playerID).
			Str("session_id", sessionID).
			Str("violation", string(v.Type)).
			Str("threat", string(v.Threat)).
			Msg(v.Description)
	}
	verdict := Verdict{Safe: Safe(vs), Violations: vs}
	if verdict.Safe {
		verdict.Sanitized = Sanitize(text, g.limits.MaxChars)
	}
	return verdict
}

// Flagged reports whether the player is currently blocked or untrusted.
// Gate security scans turn such players away.
func (g *Guard) Flagged(playerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[playerID]
	if !ok {
		return false
	}
	return p.blocked(g.now()) || p.trust < 0.3
}

// rollDay clears in-memory spend when the UTC day changes.
func (g *Guard) rollDay(now time.Time) {
	day := now.UTC().Format(time.DateOnly)
	if day != g.costDay {
		g.costDay = day
		g.costs = make(map[string]float64)
	}
}

// CheckCost reports whether spending est more stays within today's limit.
func (g *Guard) CheckCost(playerID string, est float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(g.now())
	return g.costs[playerID]+est <= g.limits.MaxCostPerDayUSD
}

// TrackCost adds actual spend to today's total and persists it.
func (g *Guard) TrackCost(ctx context.Context, playerID string, usd float64) error {
	now := g.now()
	g.mu.Lock()
	g.rollDay(now)
	g.costs[playerID] += usd
	g.mu.Unlock()
	metrics.RecordAICost(usd)
	if g.usage == nil {
		return nil
	}
	return g.usage.AddUsage(ctx, playerID, now, usd)
}

// DailyCost returns the player's spend so far today.
func (g *Guard) DailyCost(playerID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(g.now())
	return g.costs[playerID]
}

type Spender struct {
	PlayerID string  `json:"playerId"`
	CostUSD  float64 `json:"costUsd"`
}

type Report struct {
	At               time.Time             `json:"timestamp"`
	Players          int                   `json:"players"`
	BlockedPlayers   []string              `json:"blockedPlayers"`
	HighRiskPlayers  int                   `json:"highRiskPlayers"`
	TotalViolations  int                   `json:"totalViolations"`
	ViolationsByType map[ViolationType]int `json:"violationsByType"`
	TotalCostUSD     float64               `json:"totalCostTodayUsd"`
	AverageCostUSD   float64               `json:"averageCostPerPlayerUsd"`
	HighestSpender   *Spender              `json:"highestSpender,omitempty"`
	PlayersNearLimit []string              `json:"playersNearLimit"`
}

// Report summarizes violations and today's spend across players.
func (g *Guard) Report() Report {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(now)

	r := Report{
		At:               now.UTC(),
		Players:          len(g.profiles),
		BlockedPlayers:   []string{},
		ViolationsByType: map[ViolationType]int{},
		PlayersNearLimit: []string{},
	}
	for id, p := range g.profiles {
		if p.blocked(now) {
			r.BlockedPlayers = append(r.BlockedPlayers, id)
		}
		if p.trust < 0.3 {
			r.HighRiskPlayers++
		}
		r.TotalViolations += p.violations
		for t, n := range p.byType {
			r.ViolationsByType[t] += n
		}
	}
	for id, c := range g.costs {
		r.TotalCostUSD += c
		if r.HighestSpender == nil || c > r.HighestSpender.CostUSD ||
			(c == r.HighestSpender.CostUSD && id < r.HighestSpender.PlayerID) {
			r.HighestSpender = &Spender{PlayerID: id, CostUSD: c}
		}
		if c > g.limits.MaxCostPerDayUSD*highSpendFraction {
			r.PlayersNearLimit = append(r.PlayersNearLimit, id)
		}
	}
	if len(g.costs) > 0 {
		r.AverageCostUSD = r.TotalCostUSD / float64(len(g.costs))
	}
	sort.Strings(r.BlockedPlayers)
	sort.Strings(r.PlayersNearLimit)
	return r
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type Risk struct {
	PlayerID      string     `json:"playerId"`
	Level         RiskLevel  `json:"riskLevel"`
	Trust         float64    `json:"trustScore"`
	Violations    int        `json:"violationCount"`
	LastViolation *time.Time `json:"lastViolation,omitempty"`
	Blocked       bool       `json:"isBlocked"`
	BlockedUntil  *time.Time `json:"blockExpires,omitempty"`
	DailyCostUSD  float64    `json:"dailyCostUsd"`
}

// RiskAssessment grades one player from their trust and violation history.
func (g *Guard) RiskAssessment(playerID string) Risk {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(now)
	p, ok := g.profiles[playerID]
	if !ok {
		p = &profile{trust: 1.0}
	}

	r := Risk{
		PlayerID:     playerID,
		Trust:        p.trust,
		Violations:   p.violations,
		Blocked:      p.blocked(now),
		DailyCostUSD: g.costs[playerID],
	}
	if !p.lastViolation.IsZero() {
		last := p.lastViolation
		r.LastViolation = &last
	}
	if r.Blocked {
		until := p.blockedUntil
		r.BlockedUntil = &until
	}
	switch {
	case r.Blocked || p.trust < 0.3:
		r.Level = RiskCritical
	case p.trust < 0.6 || p.violations >= 3:
		r.Level = RiskHigh
	case p.trust < 0.9 || p.violations > 0:
		r.Level = RiskMedium
	default:
		r.Level = RiskLow
	}
	return r
}

type Alert struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Details  []string  `json:"details"`
	At       time.Time `json:"timestamp"`
}

const (
	maxAlertSpenders = 5
	maxAlertPlayers  = 10
)

// Alerts lists conditions an operator should look at: players close to the
// daily cost limit, repeat offenders in the last hour, and blocked players.
func (g *Guard) Alerts() []Alert {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(now)

	var spenders []Spender
	for id, c := range g.costs {
		if c > g.limits.MaxCostPerDayUSD*highSpendFraction {
			spenders = append(spenders, Spender{PlayerID: id, CostUSD: c})
		}
	}
	sort.Slice(spenders, func(i, j int) bool {
		if spenders[i].CostUSD != spenders[j].CostUSD {
			return spenders[i].CostUSD > spenders[j].CostUSD
		}
		return spenders[i].PlayerID < spenders[j].PlayerID
	})

	var repeat, blocked []string
	for id, p := range g.profiles {
		if p.violations >= shortBlockAfter && now.Sub(p.lastViolation) < repeatWindow {
			repeat = append(repeat, id)
		}
		if p.blocked(now) {
			blocked = append(blocked, id)
		}
	}
	sort.Strings(repeat)
	sort.Strings(blocked)

	var out []Alert
	if len(spenders) > 0 {
		details := make([]string, 0, maxAlertSpenders)
		for _, s := range spenders[:min(len(spenders), maxAlertSpenders)] {
			details = append(details, fmt.Sprintf("%s: $%.4f", s.PlayerID, s.CostUSD))
		}
		out = append(out, Alert{
			Type:     "high_cost_usage",
			Severity: "high",
			Message:  fmt.Sprintf("%d players approaching daily cost limits", len(spenders)),
			Details:  details,
			At:       now.UTC(),
		})
	}
	if len(repeat) > 0 {
		out = append(out, Alert{
			Type:     "high_violation_rate",
			Severity: "medium",
			Message:  fmt.Sprintf("%d players with multiple recent violations", len(repeat)),
			Details:  repeat[:min(len(repeat), maxAlertPlayers)],
			At:       now.UTC(),
		})
	}
	if len(blocked) > 0 {
		out = append(out, Alert{
			Type:     "blocked_players",
			Severity: "medium",
			Message:  fmt.Sprintf("%d players currently blocked", len(blocked)),
			Details:  blocked[:min(len(blocked), maxAlertPlayers)],
			At:       now.UTC(),
		})
	}
	return out
}

// Forget drops profiles with no activity since cutoff that are not blocked.
// It returns how many were removed.
func (g *Guard) Forget(cutoff time.Time) int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, p := range g.profiles {
		if p.blocked(now) {
			continue
		}
		last := p.lastViolation
		if k := len(p.requests); k > 0 && p.requests[k-1].After(last) {
			last = p.requests[k-1]
		}
		if last.Before(cutoff) {
			delete(g.profiles, id)
			n++
		}
	}
	return n
}
