package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/sectorwars/internal/auth"
	"github.com/example/sectorwars/internal/market"
	"github.com/example/sectorwars/internal/nexus"
	"github.com/example/sectorwars/internal/region"
	"github.com/example/sectorwars/internal/store"
	"github.com/example/sectorwars/internal/travel"
)

// Routes registers the API and websocket endpoints on r. Every /api route
// except token issue requires a token accepted by v.
func (gs *GameServer) Routes(r *mux.Router, v auth.Validator) {
	authn := auth.Middleware(v)

	if gs.issuer != nil {
		r.Handle("/api/auth/token", gs.limiter.Middleware(http.HandlerFunc(gs.handleIssueToken))).Methods(http.MethodPost)
	}
	r.Handle("/ws", authn(gs.limiter.Middleware(http.HandlerFunc(gs.HandleWS))))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(mux.MiddlewareFunc(authn), gs.limiter.Middleware)

	api.HandleFunc("/players", gs.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/profile", gs.handleProfile).Methods(http.MethodGet)

	api.HandleFunc("/regions", gs.handleListRegions).Methods(http.MethodGet)
	api.HandleFunc("/regions", gs.handleCreateRegion).Methods(http.MethodPost)
	api.HandleFunc("/regions/{id}", gs.handleGetRegion).Methods(http.MethodGet)
	api.HandleFunc("/regions/{id}/status", gs.handleRegionStatus).Methods(http.MethodPost)
	api.HandleFunc("/regions/{id}/members", gs.handleMembership).Methods(http.MethodPost)
	api.HandleFunc("/citizenship", gs.handleCitizenship).Methods(http.MethodPost)
	api.HandleFunc("/treaties", gs.handleTreaty).Methods(http.MethodPost)

	api.HandleFunc("/gates", gs.handleGates).Methods(http.MethodGet)
	api.HandleFunc("/route", gs.handleRoute).Methods(http.MethodGet)
	api.HandleFunc("/travel", gs.handleRequestTravel).Methods(http.MethodPost)
	api.HandleFunc("/travel", gs.handleTravelHistory).Methods(http.MethodGet)
	api.HandleFunc("/travel/{id}", gs.handleGetTravel).Methods(http.MethodGet)
	api.HandleFunc("/travel/{id}/depart", gs.handleDepart).Methods(http.MethodPost)
	api.HandleFunc("/travel/{id}/cancel", gs.handleCancel).Methods(http.MethodPost)

	api.HandleFunc("/market", gs.handleMarket).Methods(http.MethodGet)
	api.HandleFunc("/market/buy", gs.handleTrade(true)).Methods(http.MethodPost)
	api.HandleFunc("/market/sell", gs.handleTrade(false)).Methods(http.MethodPost)

	api.HandleFunc("/dialogue", gs.handleDialogue).Methods(http.MethodPost)

	api.HandleFunc("/admin/security", gs.admin(gs.handleSecurityReport)).Methods(http.MethodGet)
	api.HandleFunc("/admin/security/alerts", gs.admin(gs.handleSecurityAlerts)).Methods(http.MethodGet)
	api.HandleFunc("/admin/security/players/{id}", gs.admin(gs.handleRisk)).Methods(http.MethodGet)
	api.HandleFunc("/admin/audit/verify", gs.admin(gs.handleVerifyAudit)).Methods(http.MethodGet)
}

// caller returns the authenticated claims and the player registered for them.
func (gs *GameServer) caller(r *http.Request) (*auth.UserClaims, region.Player, error) {
	claims, ok := auth.UserFromContext(r.Context())
	if !ok {
		return nil, region.Player{}, errUnauthorized
	}
	p, err := gs.store.PlayerByUser(r.Context(), claims.Subject)
	if errors.Is(err, region.ErrPlayerNotFound) {
		return claims, region.Player{}, fmt.Errorf("%w: register a player first", errForbidden)
	}
	return claims, p, err
}

func isAdmin(claims *auth.UserClaims, p region.Player) bool {
	return p.PlatformAdmin || (claims != nil && claims.Admin)
}

func (gs *GameServer) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, p, err := gs.caller(r)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		if !isAdmin(claims, p) {
			gs.writeError(w, r, fmt.Errorf("%w: platform administrators only", errForbidden))
			return
		}
		h(w, r)
	}
}

func (gs *GameServer) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Username)
	if err := region.ValidateName(name); err != nil && !errors.Is(err, region.ErrReservedName) {
		gs.writeError(w, r, fmt.Errorf("%w: username must be 3-63 letters, digits, '-' or '_'", errBadRequest))
		return
	}
	tok, err := gs.issuer.Issue("local:"+name, name, false)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok, "tokenType": "Bearer"})
}

func (gs *GameServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.UserFromContext(r.Context())
	if !ok {
		gs.writeError(w, r, errUnauthorized)
		return
	}
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	p, err := gs.RegisterPlayer(r.Context(), claims, req)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type profileView struct {
	Player     region.Player             `json:"player"`
	Admin      bool                      `json:"admin"`
	Regions    []region.AccessibleRegion `json:"regions"`
	Holdings   any                       `json:"holdings,omitempty"`
	OpenTravel *travel.Record            `json:"openTravel,omitempty"`
}

func (gs *GameServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	out := profileView{Player: p, Admin: isAdmin(claims, p)}
	if out.Regions, err = gs.authz.AccessibleRegions(ctx, p.ID); err != nil {
		gs.writeError(w, r, err)
		return
	}
	if p.CurrentRegionID != "" {
		h, err := gs.store.Scope(p.CurrentRegionID).Holdings(ctx, p.ID)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		out.Holdings = h
	}
	history, err := gs.travel.History(ctx, p.ID, 1)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	if len(history) == 1 && history[0].Status.Open() {
		out.OpenTravel = &history[0]
	}
	writeJSON(w, http.StatusOK, out)
}

func (gs *GameServer) handleListRegions(w http.ResponseWriter, r *http.Request) {
	claims, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	if isAdmin(claims, p) {
		all, err := gs.store.Regions(r.Context())
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, all)
		return
	}
	acc, err := gs.authz.AccessibleRegions(r.Context(), p.ID)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (gs *GameServer) handleCreateRegion(w http.ResponseWriter, r *http.Request) {
	claims, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	if !isAdmin(claims, p) {
		gs.writeError(w, r, fmt.Errorf("%w: only platform administrators provision regions", errForbidden))
		return
	}
	var req RegionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	created, err := gs.ProvisionRegion(r.Context(), req)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (gs *GameServer) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	if _, _, err := gs.caller(r); err != nil {
		gs.writeError(w, r, err)
		return
	}
	id, err := gs.resolveRegion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	reg, err := gs.store.Region(r.Context(), id)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	out := map[string]any{"region": reg}
	if reg.NexusGateSector != 0 {
		if d, err := nexus.DistrictForSector(reg.NexusGateSector); err == nil {
			out["gateDistrict"] = d
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (gs *GameServer) handleRegionStatus(w http.ResponseWriter, r *http.Request) {
	claims, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	if !isAdmin(claims, p) {
		gs.writeError(w, r, fmt.Errorf("%w: only platform administrators change region status", errForbidden))
		return
	}
	var req struct {
		Status region.Status `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	id, err := gs.resolveRegion(ctx, mux.Vars(r)["id"])
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	var updated region.Region
	err = gs.store.WithTx(ctx, func(tx *store.Tx) error {
		cur, err := tx.Region(ctx, id)
		if err != nil {
			return err
		}
		if cur.IsNexus() {
			return fmt.Errorf("%w: the nexus cannot change status", region.ErrInvalidTransition)
		}
		updated, err = tx.SetRegionStatus(ctx, id, req.Status)
		return err
	})
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	gs.log.Info().Str("region_id", id).Str("status", string(updated.Status)).Msg("region status changed")
	gs.broadcastRegion(ctx, id)
	writeJSON(w, http.StatusOK, updated)
}

type membershipRequest struct {
	// PlayerID defaults to the caller, who may only join as a visitor.
	PlayerID   string                `json:"playerId"`
	Type       region.MembershipType `json:"membershipType"`
	LocalRank  string                `json:"localRank"`
	Reputation *int                  `json:"reputationChange"`
}

func (gs *GameServer) handleMembership(w http.ResponseWriter, r *http.Request) {
	claims, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	var req membershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	regionID, err := gs.resolveRegion(ctx, mux.Vars(r)["id"])
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	target := req.PlayerID
	if target == "" {
		target = p.ID
	}
	selfJoin := target == p.ID && (req.Type == "" || req.Type == region.MembershipVisitor) && req.LocalRank == "" && req.Reputation == nil
	if !selfJoin && !isAdmin(claims, p) {
		ok, err := gs.authz.Check(ctx, p.ID, regionID, region.ManageMembers(regionID))
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		if !ok {
			gs.writeError(w, r, fmt.Errorf("%w: managing members needs the members permission", errForbidden))
			return
		}
	}

	var m region.Membership
	err = gs.store.WithTx(ctx, func(tx *store.Tx) error {
		reg, err := tx.Region(ctx, regionID)
		if err != nil {
			return err
		}
		if !reg.IsActive() {
			return fmt.Errorf("%w: region %s is %s", errForbidden, reg.Name, reg.Status)
		}
		if _, err := tx.Player(ctx, target); err != nil {
			return err
		}
		m, err = tx.Membership(ctx, target, regionID)
		switch {
		case errors.Is(err, region.ErrNotFound):
			m = region.NewVisitor(target, regionID, gs.now().UTC())
		case err != nil:
			return err
		case selfJoin:
			return nil
		}
		if req.Type != "" {
			m.Type = req.Type
		}
		m.LocalRank = req.LocalRank
		if req.Reputation != nil {
			m.AdjustReputation(*req.Reputation)
		}
		if err := m.Validate(); err != nil {
			return err
		}
		return tx.PutMembership(ctx, m)
	})
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	gs.authz.Invalidate(target)
	writeJSON(w, http.StatusOK, m)
}

func (gs *GameServer) handleCitizenship(w http.ResponseWriter, r *http.Request) {
	claims, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	if !isAdmin(claims, p) {
		gs.writeError(w, r, fmt.Errorf("%w: only platform administrators grant citizenship", errForbidden))
		return
	}
	var req struct {
		PlayerID string `json:"playerId"`
		Citizen  bool   `json:"citizen"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	err = gs.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetGalacticCitizen(ctx, req.PlayerID, req.Citizen)
	})
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	gs.authz.Invalidate(req.PlayerID)
	writeJSON(w, http.StatusOK, map[string]any{"playerId": req.PlayerID, "galacticCitizen": req.Citizen})
}

func (gs *GameServer) handleTreaty(w http.ResponseWriter, r *http.Request) {
	claims, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	var req struct {
		RegionA   string            `json:"regionA"`
		RegionB   string            `json:"regionB"`
		Type      region.TreatyType `json:"treatyType"`
		ExpiresAt *time.Time        `json:"expiresAt"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	a, err := gs.resolveRegion(ctx, req.RegionA)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	b, err := gs.resolveRegion(ctx, req.RegionB)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	if !isAdmin(claims, p) {
		for _, id := range []string{a, b} {
			ok, err := gs.authz.Check(ctx, p.ID, id, region.ManageTreaties(id))
			if err != nil {
				gs.writeError(w, r, err)
				return
			}
			if !ok {
				gs.writeError(w, r, fmt.Errorf("%w: treaties need the treaties permission in both regions", errForbidden))
				return
			}
		}
	}
	tr := region.Treaty{
		ID:        uuid.NewString(),
		RegionA:   a,
		RegionB:   b,
		Type:      req.Type,
		SignedAt:  gs.now().UTC(),
		ExpiresAt: req.ExpiresAt,
		Status:    "active",
	}
	if err := tr.Validate(); err != nil {
		gs.writeError(w, r, err)
		return
	}
	if err := gs.store.WithTx(ctx, func(tx *store.Tx) error { return tx.CreateTreaty(ctx, tr) }); err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

func (gs *GameServer) handleGates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gs.network.Gates())
}

func (gs *GameServer) handleRoute(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	to, err := gs.resolveRegion(r.Context(), r.URL.Query().Get("to"))
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	q, err := gs.travel.Quote(r.Context(), p.ID, to)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (gs *GameServer) handleRequestTravel(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	var req struct {
		To string `json:"to"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	to, err := gs.resolveRegion(r.Context(), req.To)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	rec, ticket, err := gs.travel.Request(r.Context(), p.ID, to)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	if ticket == nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": rec.Reason, "travel": rec})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"travel": rec, "ticket": ticket})
}

func (gs *GameServer) handleTravelHistory(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	limit := historyDefault
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			gs.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	recs, err := gs.travel.History(r.Context(), p.ID, limit)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (gs *GameServer) handleGetTravel(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	rec, err := gs.travel.Get(r.Context(), p.ID, mux.Vars(r)["id"])
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (gs *GameServer) handleDepart(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	var req struct {
		Ticket string `json:"ticket"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	rec, err := gs.travel.Depart(r.Context(), p.ID, mux.Vars(r)["id"], req.Ticket)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (gs *GameServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	rec, err := gs.travel.Cancel(r.Context(), p.ID, mux.Vars(r)["id"])
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (gs *GameServer) handleMarket(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	v, err := gs.market.View(r.Context(), p.ID)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (gs *GameServer) handleTrade(buy bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, p, err := gs.caller(r)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		var o market.Order
		if err := decodeJSON(w, r, &o); err != nil {
			gs.writeError(w, r, err)
			return
		}
		trade := gs.market.Sell
		if buy {
			trade = gs.market.Buy
		}
		f, err := trade(r.Context(), p.ID, o)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		gs.broadcastRegion(context.WithoutCancel(r.Context()), f.Port.RegionID)
		writeJSON(w, http.StatusOK, f)
	}
}

func (gs *GameServer) handleDialogue(w http.ResponseWriter, r *http.Request) {
	_, p, err := gs.caller(r)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	var req struct {
		Text      string `json:"text"`
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		gs.writeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = p.ID
	}
	reply, err := gs.dialogue.Respond(r.Context(), p.ID, req.SessionID, req.Text)
	if err != nil {
		gs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (gs *GameServer) handleSecurityReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gs.guard.Report())
}

func (gs *GameServer) handleSecurityAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gs.guard.Alerts())
}

func (gs *GameServer) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gs.guard.RiskAssessment(mux.Vars(r)["id"]))
}

func (gs *GameServer) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	n, err := gs.travel.VerifyAudit(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "entries": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": n})
}
