// Package server exposes the regional galaxy over HTTP and websockets and
// drives the periodic travel and production tick.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/sectorwars/internal/aisecurity"
	"github.com/example/sectorwars/internal/auth"
	"github.com/example/sectorwars/internal/dialogue"
	"github.com/example/sectorwars/internal/market"
	"github.com/example/sectorwars/internal/nexus"
	"github.com/example/sectorwars/internal/ratelimit"
	"github.com/example/sectorwars/internal/region"
	"github.com/example/sectorwars/internal/store"
	"github.com/example/sectorwars/internal/travel"
	"github.com/example/sectorwars/internal/warpgate"
)

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WSOut struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const (
	DefaultTickInterval = 10 * time.Second

	housekeepEvery  = time.Hour
	profileIdle     = 24 * time.Hour
	limiterIdle     = 10 * time.Minute
	sessionIdle     = time.Hour
	usageRetention  = 30 * 24 * time.Hour
	writeWait       = 10 * time.Second
	historyDefault  = 20
	startingHold    = 100
	nexusDisplay    = "Central Nexus"
	regionGateEntry = 1
)

type Options struct {
	Logger       zerolog.Logger
	TickInterval time.Duration
	TravelTTL    time.Duration
	// TicketKey signs travel tickets. A random key is used when empty.
	TicketKey []byte
	Topology  warpgate.Topology
	AILimits  aisecurity.Limits
	AIModel   string
	AITimeout time.Duration
	// Provider answers dialogue. Nil means the rule-based fallback only.
	Provider dialogue.Provider
	Limiter  *ratelimit.Limiter
	// Issuer enables POST /api/auth/token. Leave nil when Cognito is in use.
	Issuer *auth.LocalIssuer
	Now    func() time.Time
}

type client struct {
	conn     *websocket.Conn
	playerID string
	session  string
	mu       sync.Mutex
}

func (c *client) write(msg WSOut) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

type GameServer struct {
	store    *store.Store
	authz    *region.Authorizer
	network  *warpgate.Network
	topology warpgate.Topology
	travel   *travel.Service
	market   *market.Service
	guard    *aisecurity.Guard
	dialogue *dialogue.Service
	limiter  *ratelimit.Limiter
	issuer   *auth.LocalIssuer
	log      zerolog.Logger
	tick     time.Duration
	now      func() time.Time
	upgrader websocket.Upgrader

	nexusMu sync.RWMutex
	nexusID string

	clientsMu sync.RWMutex
	clients   map[string]map[*client]struct{}

	lastHousekeep time.Time
}

// New wires the domain services over st. Call EnsureNexus before serving.
func New(st *store.Store, opts Options) *GameServer {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AILimits == (aisecurity.Limits{}) {
		opts.AILimits = aisecurity.DefaultLimits()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.DefaultRules(), ratelimit.DefaultFallback, opts.Logger)
	}
	gs := &GameServer{
		store:    st,
		authz:    region.NewAuthorizer(st, 0),
		network:  warpgate.NewNetwork(nil),
		topology: opts.Topology,
		limiter:  opts.Limiter,
		issuer:   opts.Issuer,
		log:      opts.Logger,
		tick:     opts.TickInterval,
		now:      opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}
	gs.guard = aisecurity.NewGuard(opts.AILimits, st, opts.Logger.With().Str("component", "aisecurity").Logger())
	gs.travel = travel.NewService(st.ForTravel(), gs.authz, gs.network, travel.Options{
		TTL:      opts.TravelTTL,
		Key:      opts.TicketKey,
		Screener: gs.guard,
		OnChange: gs.publishTravel,
		Logger:   opts.Logger.With().Str("component", "travel").Logger(),
		Now:      opts.Now,
	})
	gs.market = market.NewService(st.ForMarket(), gs.authz, opts.Logger.With().Str("component", "market").Logger())
	gs.dialogue = dialogue.NewService(gs.guard, opts.Provider, dialogue.Options{
		Model:   opts.AIModel,
		Timeout: opts.AITimeout,
		Logger:  opts.Logger.With().Str("component", "dialogue").Logger(),
		Scene:   gs.scene,
		Now:     gs.now,
	})
	return gs
}

// Start restores persisted state: the nexus, AI spend and the gate network.
func (gs *GameServer) Start(ctx context.Context) error {
	if _, err := gs.EnsureNexus(ctx); err != nil {
		return err
	}
	if err := gs.guard.Load(ctx); err != nil {
		return err
	}
	return gs.RefreshNetwork(ctx)
}

// EnsureNexus creates the Central Nexus on first start and returns it.
func (gs *GameServer) EnsureNexus(ctx context.Context) (region.Region, error) {
	r, err := gs.store.RegionByName(ctx, region.NexusName)
	if errors.Is(err, region.ErrNotFound) {
		now := gs.now().UTC()
		r = region.Defaults(region.NexusName)
		r.ID = uuid.NewString()
		r.DisplayName = nexusDisplay
		r.Status = region.StatusActive
		r.TotalSectors = nexus.TotalSectors
		r.CreatedAt, r.UpdatedAt = now, now
		err = gs.store.WithTx(ctx, func(tx *store.Tx) error { return tx.CreateRegion(ctx, r) })
		if err == nil {
			gs.log.Info().Str("region_id", r.ID).Msg("created central nexus")
		}
	}
	if err != nil {
		return region.Region{}, fmt.Errorf("ensure nexus: %w", err)
	}
	gs.nexusMu.Lock()
	gs.nexusID = r.ID
	gs.nexusMu.Unlock()
	return r, nil
}

func (gs *GameServer) nexus() string {
	gs.nexusMu.RLock()
	defer gs.nexusMu.RUnlock()
	return gs.nexusID
}

// RefreshNetwork rebuilds the routing graph from stored gates plus the
// topology file. Topology gates naming unknown regions are skipped with a
// warning so the file can list regions that are provisioned later.
func (gs *GameServer) RefreshNetwork(ctx context.Context) error {
	gates, err := gs.store.Gates(ctx)
	if err != nil {
		return err
	}
	regions, err := gs.store.Regions(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(regions))
	for _, r := range regions {
		byName[r.Name] = r.ID
	}
	lookup := func(name string) (string, bool) {
		id, ok := byName[name]
		return id, ok
	}
	for _, spec := range gs.topology.Gates {
		extra, err := warpgate.Topology{Gates: []warpgate.GateSpec{spec}}.Resolve(lookup)
		if err != nil {
			gs.log.Warn().Err(err).Str("gate_id", spec.ID).Msg("topology gate skipped")
			continue
		}
		gates = append(gates, extra...)
	}
	gates = gs.topology.Apply(gates)
	gs.network.Replace(gates)
	gs.log.Debug().Int("gates", len(gates)).Msg("gate network refreshed")
	return nil
}

func (gs *GameServer) scene(ctx context.Context, playerID string) dialogue.Scene {
	p, err := gs.store.Player(ctx, playerID)
	if err != nil || p.CurrentRegionID == "" {
		return dialogue.Scene{RegionType: "transit"}
	}
	r, err := gs.store.Region(ctx, p.CurrentRegionID)
	if err != nil {
		return dialogue.Scene{}
	}
	kind := "region"
	if r.IsNexus() {
		kind = "nexus"
	}
	return dialogue.Scene{Region: r.DisplayName, RegionType: kind}
}

// Run ticks until ctx is done.
func (gs *GameServer) Run(ctx context.Context) {
	ticker := time.NewTicker(gs.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gs.Tick(ctx)
		}
	}
}

// Tick settles due journeys, runs port production, and once an hour drops
// idle security profiles, rate-limit entries, dialogue sessions and old usage
// rows.
func (gs *GameServer) Tick(ctx context.Context) {
	if err := gs.travel.Tick(ctx); err != nil {
		gs.log.Error().Err(err).Msg("travel tick")
	}
	changed, err := gs.market.Produce(ctx)
	if err != nil {
		gs.log.Error().Err(err).Msg("production tick")
	}
	for _, id := range changed {
		gs.broadcastRegion(ctx, id)
	}

	now := gs.now()
	if now.Sub(gs.lastHousekeep) < housekeepEvery {
		return
	}
	gs.lastHousekeep = now
	profiles := gs.guard.Forget(now.Add(-profileIdle))
	clients := gs.limiter.Sweep(now.Add(-limiterIdle))
	sessions := gs.dialogue.Sweep(now.Add(-sessionIdle))
	usage, err := gs.store.PruneUsage(ctx, now.Add(-usageRetention))
	if err != nil {
		gs.log.Error().Err(err).Msg("prune ai usage")
	}
	gs.log.Debug().Int("profiles", profiles).Int("limiters", clients).Int("sessions", sessions).Int64("usage_rows", usage).Msg("housekeeping")
}

func (gs *GameServer) addClient(c *client) {
	gs.clientsMu.Lock()
	defer gs.clientsMu.Unlock()
	set, ok := gs.clients[c.playerID]
	if !ok {
		set = make(map[*client]struct{})
		gs.clients[c.playerID] = set
	}
	set[c] = struct{}{}
}

func (gs *GameServer) removeClient(c *client) {
	gs.clientsMu.Lock()
	defer gs.clientsMu.Unlock()
	if set, ok := gs.clients[c.playerID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(gs.clients, c.playerID)
		}
	}
}

func (gs *GameServer) clientsOf(playerID string) []*client {
	gs.clientsMu.RLock()
	defer gs.clientsMu.RUnlock()
	out := make([]*client, 0, len(gs.clients[playerID]))
	for c := range gs.clients[playerID] {
		out = append(out, c)
	}
	return out
}

func (gs *GameServer) connectedPlayers() []string {
	gs.clientsMu.RLock()
	defer gs.clientsMu.RUnlock()
	out := make([]string, 0, len(gs.clients))
	for id := range gs.clients {
		out = append(out, id)
	}
	return out
}

func (gs *GameServer) sendPlayer(playerID string, msg WSOut) {
	for _, c := range gs.clientsOf(playerID) {
		if err := c.write(msg); err != nil {
			gs.log.Debug().Err(err).Str("player_id", playerID).Msg("websocket write")
		}
	}
}

func (gs *GameServer) publishTravel(rec travel.Record) {
	gs.sendPlayer(rec.PlayerID, WSOut{Type: "travelUpdate", Payload: map[string]any{"travel": rec}})
	if rec.Status.Terminal() && rec.Status != travel.StatusRejected {
		gs.sendRegionState(context.Background(), rec.PlayerID)
	}
}

func (gs *GameServer) sendRegionState(ctx context.Context, playerID string) {
	v, err := gs.market.View(ctx, playerID)
	if errors.Is(err, market.ErrInTransit) {
		gs.sendPlayer(playerID, WSOut{Type: "regionState", Payload: map[string]any{"inTransit": true}})
		return
	}
	if err != nil {
		gs.log.Warn().Err(err).Str("player_id", playerID).Msg("load region state")
		return
	}
	gs.sendPlayer(playerID, WSOut{Type: "regionState", Payload: v})
}

// broadcastRegion pushes fresh region state to every connected player
// currently in the region.
func (gs *GameServer) broadcastRegion(ctx context.Context, regionID string) {
	for _, id := range gs.connectedPlayers() {
		p, err := gs.store.Player(ctx, id)
		if err != nil || p.CurrentRegionID != regionID {
			continue
		}
		gs.sendRegionState(ctx, id)
	}
}

// HandleWS upgrades an authenticated request. The caller must already have
// registered a player.
func (gs *GameServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	conn, err := gs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gs.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	c := &client{conn: conn, playerID: p.ID, session: uuid.NewString()}
	gs.addClient(c)
	gs.log.Info().Str("player_id", p.ID).Msg("websocket connected")
	gs.sendRegionState(r.Context(), p.ID)
	go gs.readLoop(c)
}

func (gs *GameServer) readLoop(c *client) {
	ctx := context.Background()
	defer func() {
		gs.removeClient(c)
		gs.dialogue.EndSession(c.session)
		_ = c.conn.Close()
		gs.log.Info().Str("player_id", c.playerID).Msg("websocket disconnected")
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				gs.log.Debug().Err(err).Str("player_id", c.playerID).Msg("websocket read")
			}
			return
		}
		if err := gs.handleMessage(ctx, c, msg); err != nil {
			_ = c.write(WSOut{Type: "error", Payload: map[string]string{"request": msg.Type, "error": err.Error()}})
		}
	}
}

func (gs *GameServer) handleMessage(ctx context.Context, c *client, msg Message) error {
	decode := func(v any) error {
		if len(msg.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Payload, v); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return nil
	}

	switch msg.Type {
	case "subscribe":
		gs.sendRegionState(ctx, c.playerID)
	case "requestTravel":
		var data struct {
			To string `json:"to"`
		}
		if err := decode(&data); err != nil {
			return err
		}
		to, err := gs.resolveRegion(ctx, data.To)
		if err != nil {
			return err
		}
		// The record itself reaches the player through publishTravel; only the
		// ticket goes back on this connection.
		_, ticket, err := gs.travel.Request(ctx, c.playerID, to)
		if err != nil || ticket == nil {
			return err
		}
		return c.write(WSOut{Type: "travelTicket", Payload: ticket})
	case "depart":
		var data struct {
			TravelID string `json:"travelId"`
			Ticket   string `json:"ticket"`
		}
		if err := decode(&data); err != nil {
			return err
		}
		_, err := gs.travel.Depart(ctx, c.playerID, data.TravelID, data.Ticket)
		return err
	case "cancelTravel":
		var data struct {
			TravelID string `json:"travelId"`
		}
		if err := decode(&data); err != nil {
			return err
		}
		_, err := gs.travel.Cancel(ctx, c.playerID, data.TravelID)
		return err
	case "dialogue":
		var data struct {
			Text string `json:"text"`
		}
		if err := decode(&data); err != nil {
			return err
		}
		reply, err := gs.dialogue.Respond(ctx, c.playerID, c.session, data.Text)
		if err != nil {
			return err
		}
		return c.write(WSOut{Type: "dialogueReply", Payload: reply})
	case "buy", "sell":
		var o market.Order
		if err := decode(&o); err != nil {
			return err
		}
		trade := gs.market.Buy
		if msg.Type == "sell" {
			trade = gs.market.Sell
		}
		f, err := trade(ctx, c.playerID, o)
		if err != nil {
			return err
		}
		gs.broadcastRegion(ctx, f.Port.RegionID)
	default:
		return fmt.Errorf("%w: unknown message type %q", errBadRequest, msg.Type)
	}
	return nil
}
