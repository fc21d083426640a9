package travel

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	"github.com/example/sectorwars/internal/assets"
	"github.com/example/sectorwars/internal/audit"
	"github.com/example/sectorwars/internal/metrics"
	"github.com/example/sectorwars/internal/region"
	"github.com/example/sectorwars/internal/warpgate"
)

const (
	DefaultAuthorizationTTL = 5 * time.Minute
	CreditsPerEnergy        = 1
)

// Checker answers permission questions. *region.Authorizer satisfies it.
type Checker interface {
	Check(ctx context.Context, playerID, regionID string, perm region.Permission) (bool, error)
}

// Router finds routes. *warpgate.Network satisfies it.
type Router interface {
	Route(from, to string, t warpgate.Traveler) (warpgate.Route, error)
}

// Screener flags players that should fail gate security scans.
type Screener interface {
	Flagged(playerID string) bool
}

type Options struct {
	TTL      time.Duration
	Key      []byte
	Screener Screener
	// OnChange is called after each committed transition.
	OnChange func(Record)
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Service struct {
	store    Store
	checker  Checker
	router   Router
	screener Screener
	ttl      time.Duration
	key      []byte
	onChange func(Record)
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, checker Checker, router Router, opts Options) *Service {
	s := &Service{
		store:    store,
		checker:  checker,
		router:   router,
		screener: opts.Screener,
		ttl:      opts.TTL,
		key:      opts.Key,
		onChange: opts.OnChange,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultAuthorizationTTL
	}
	if len(s.key) != 32 {
		s.key = make([]byte, 32)
		if _, err := rand.Read(s.key); err != nil {
			panic(fmt.Sprintf("travel: generate ticket key: %v", err))
		}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Quote is a route and its price, without any commitment.
type Quote struct {
	SourceRegionID string         `json:"sourceRegionId"`
	DestRegionID   string         `json:"destRegionId"`
	Route          warpgate.Route `json:"route"`
	Cost           int64          `json:"cost"`
	TradeAgreement bool           `json:"tradeAgreement"`
}

// rejection is an authorization failure that is recorded rather than returned.
type rejection struct{ reason string }

func (r rejection) Error() string { return r.reason }

func (r rejection) Unwrap() error { return ErrNotAuthorized }

func reject(format string, args ...any) error {
	return rejection{reason: fmt.Sprintf(format, args...)}
}

// endpoints checks that the player is somewhere, is headed elsewhere, and that
// both regions are active.
func (s *Service) endpoints(ctx context.Context, tx Tx, p region.Player, destID string) (src, dst region.Region, err error) {
	if p.CurrentRegionID == "" {
		return src, dst, reject("player is not in any region")
	}
	if destID == p.CurrentRegionID {
		return src, dst, reject("already in destination region")
	}
	if src, err = tx.Region(ctx, p.CurrentRegionID); err != nil {
		return src, dst, fmt.Errorf("load source region: %w", err)
	}
	dst, err = tx.Region(ctx, destID)
	if errors.Is(err, region.ErrNotFound) {
		return src, dst, reject("destination region does not exist")
	}
	if err != nil {
		return src, dst, fmt.Errorf("load destination region: %w", err)
	}
	if !src.IsActive() {
		return src, dst, reject("source region %s is %s", src.Name, src.Status)
	}
	if !dst.IsActive() {
		return src, dst, reject("destination region %s is %s", dst.Name, dst.Status)
	}
	return src, dst, nil
}

// assess runs every authorization check except the open-journey check.
func (s *Service) assess(ctx context.Context, tx Tx, p region.Player, destID string) (Quote, error) {
	q := Quote{SourceRegionID: p.CurrentRegionID, DestRegionID: destID}
	src, dst, err := s.endpoints(ctx, tx, p, destID)
	if err != nil {
		return q, err
	}
	return s.price(ctx, tx, p, q, src, dst)
}

// price checks travel rights, routing and funds between two active regions.
func (s *Service) price(ctx context.Context, tx Tx, p region.Player, q Quote, src, dst region.Region) (Quote, error) {
	destID := dst.ID
	allowed := dst.IsNexus()
	if !allowed {
		if _, err := tx.Membership(ctx, p.ID, destID); err == nil {
			allowed = true
		} else if !errors.Is(err, region.ErrNotFound) {
			return q, fmt.Errorf("load membership: %w", err)
		}
	}
	if !allowed {
		ok, err := s.checker.Check(ctx, p.ID, destID, region.TravelBetweenRegions)
		if err != nil {
			return q, fmt.Errorf("check travel permission: %w", err)
		}
		allowed = ok
	}
	if !allowed {
		return q, reject("no travel rights for region %s", dst.Name)
	}

	immune, err := s.checker.Check(ctx, p.ID, destID, region.DiplomaticImmunity)
	if err != nil {
		return q, fmt.Errorf("check immunity: %w", err)
	}
	traveler := warpgate.Traveler{
		PlayerID:           p.ID,
		GalacticCitizen:    p.GalacticCitizen,
		DiplomaticImmunity: immune,
		Flagged:            s.screener != nil && s.screener.Flagged(p.ID),
	}
	route, err := s.router.Route(src.ID, dst.ID, traveler)
	if errors.Is(err, warpgate.ErrNoRoute) {
		return q, reject("no gate route from %s to %s", src.Name, dst.Name)
	}
	if err != nil {
		return q, fmt.Errorf("route: %w", err)
	}
	q.Route = route

	treaty, err := tx.TreatyActive(ctx, src.ID, dst.ID, region.TreatyTradeAgreement, s.now())
	if err != nil {
		return q, fmt.Errorf("check treaty: %w", err)
	}
	q.TradeAgreement = treaty
	q.Cost = route.TotalEnergy * CreditsPerEnergy
	if treaty {
		q.Cost /= 2
	}

	h, err := tx.Holdings(ctx, src.ID, p.ID)
	if err != nil {
		return q, fmt.Errorf("load holdings: %w", err)
	}
	if h.Credits < q.Cost {
		return q, reject("insufficient credits: have %d, need %d", h.Credits, q.Cost)
	}
	return q, nil
}

// Quote prices a journey without recording anything. A failed check comes
// back as an error carrying the reason.
func (s *Service) Quote(ctx context.Context, playerID, destID string) (Quote, error) {
	var q Quote
	err := s.store.Atomically(ctx, func(tx Tx) error {
		p, err := tx.Player(ctx, playerID)
		if err != nil {
			return err
		}
		q, err = s.assess(ctx, tx, p, destID)
		return err
	})
	return q, err
}

// Request runs the authorization checks and records the outcome. A rejected
// request is not an error: the returned record carries the reason and a nil
// ticket.
func (s *Service) Request(ctx context.Context, playerID, destID string) (Record, *Ticket, error) {
	var (
		rec     Record
		ticket  *Ticket
		changed []Record
	)
	err := s.store.Atomically(ctx, func(tx Tx) error {
		changed = changed[:0]
		now := s.now()
		p, err := tx.Player(ctx, playerID)
		if err != nil {
			return err
		}
		rec = Record{
			ID:             uuid.NewString(),
			PlayerID:       p.ID,
			SourceRegionID: p.CurrentRegionID,
			DestRegionID:   destID,
			Status:         StatusRequested,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.CreateTravel(ctx, rec); err != nil {
			return fmt.Errorf("create travel: %w", err)
		}
		if err := s.audit(ctx, tx, rec, now); err != nil {
			return err
		}

		q, err := s.check(ctx, tx, p, destID)
		var rej rejection
		switch {
		case errors.As(err, &rej):
			if err := rec.transition(StatusRejected, now); err != nil {
				return err
			}
			rec.Reason = rej.reason
		case err != nil:
			return err
		default:
			if err := rec.transition(StatusAuthorized, now); err != nil {
				return err
			}
			rec.Route = q.Route
			rec.Cost = q.Cost
			rec.AuthorizedUntil = now.Add(s.ttl)
			rec.TicketDigest = s.digest(rec)
			ticket = &Ticket{TravelID: rec.ID, Digest: rec.TicketDigest, ExpiresAt: rec.AuthorizedUntil}
		}
		if err := tx.UpdateTravel(ctx, rec); err != nil {
			return fmt.Errorf("update travel: %w", err)
		}
		changed = append(changed, rec)
		return s.audit(ctx, tx, rec, now)
	})
	if err != nil {
		return Record{}, nil, err
	}
	s.publish(changed...)
	return rec, ticket, nil
}

// check runs the authorization checks in order, with the open-journey check
// after the region checks.
func (s *Service) check(ctx context.Context, tx Tx, p region.Player, destID string) (Quote, error) {
	q := Quote{SourceRegionID: p.CurrentRegionID, DestRegionID: destID}
	src, dst, err := s.endpoints(ctx, tx, p, destID)
	if err != nil {
		return q, err
	}
	if open, ok, err := tx.OpenTravel(ctx, p.ID); err != nil {
		return q, fmt.Errorf("load open travel: %w", err)
	} else if ok {
		return q, reject("journey %s is still %s", open.ID, open.Status)
	}
	return s.price(ctx, tx, p, q, src, dst)
}

func (s *Service) digest(rec Record) string {
	h := blake3.New(32, s.key)
	write := func(v string) {
		h.Write([]byte(strconv.Itoa(len(v))))
		h.Write([]byte{':'})
		h.Write([]byte(v))
	}
	write(rec.ID)
	write(rec.PlayerID)
	write(rec.SourceRegionID)
	write(rec.DestRegionID)
	for _, hop := range rec.Route.Hops {
		write(hop.GateID)
	}
	write(strconv.FormatInt(rec.Cost, 10))
	write(strconv.FormatInt(rec.AuthorizedUntil.UnixNano(), 10))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) load(ctx context.Context, tx Tx, playerID, travelID string) (Record, error) {
	rec, err := tx.Travel(ctx, travelID)
	if err != nil {
		return Record{}, err
	}
	if playerID != "" && rec.PlayerID != playerID {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Get returns a journey owned by the player. An empty playerID skips the
// ownership check.
func (s *Service) Get(ctx context.Context, playerID, travelID string) (Record, error) {
	var rec Record
	err := s.store.Atomically(ctx, func(tx Tx) error {
		var err error
		rec, err = s.load(ctx, tx, playerID, travelID)
		return err
	})
	return rec, err
}

// History lists the player's journeys, newest first.
func (s *Service) History(ctx context.Context, playerID string, limit int) ([]Record, error) {
	var out []Record
	err := s.store.Atomically(ctx, func(tx Tx) error {
		var err error
		out, err = tx.TravelsForPlayer(ctx, playerID, limit)
		return err
	})
	return out, err
}

// Depart verifies the ticket, charges the gate fee, escrows the transferable
// assets, and puts the player in transit.
func (s *Service) Depart(ctx context.Context, playerID, travelID, digest string) (Record, error) {
	var (
		rec     Record
		expired bool
	)
	err := s.store.Atomically(ctx, func(tx Tx) error {
		now := s.now()
		var err error
		rec, err = s.load(ctx, tx, playerID, travelID)
		if err != nil {
			return err
		}
		if rec.Status != StatusAuthorized {
			return fmt.Errorf("%w: cannot depart while %s", ErrInvalidTransition, rec.Status)
		}
		if subtle.ConstantTimeCompare([]byte(digest), []byte(rec.TicketDigest)) != 1 {
			return ErrBadTicket
		}
		if !now.Before(rec.AuthorizedUntil) {
			expired = true
			return s.expire(ctx, tx, &rec, now)
		}

		p, err := tx.Player(ctx, rec.PlayerID)
		if err != nil {
			return err
		}
		if p.CurrentRegionID != rec.SourceRegionID {
			return fmt.Errorf("%w: player left %s after authorization", ErrInvalidTransition, rec.SourceRegionID)
		}
		src, err := tx.Region(ctx, rec.SourceRegionID)
		if err != nil {
			return fmt.Errorf("load source region: %w", err)
		}

		h, err := tx.Holdings(ctx, rec.SourceRegionID, rec.PlayerID)
		if err != nil {
			return fmt.Errorf("load holdings: %w", err)
		}
		if err := h.Debit(rec.Cost); err != nil {
			return err
		}

		rules, err := s.rules(ctx, tx, p, src, rec.DestRegionID, now)
		if err != nil {
			return err
		}
		m := assets.ComputeManifest(h, rules)
		blob, err := assets.EncodeManifest(m)
		if err != nil {
			return err
		}
		if err := tx.PutHoldings(ctx, assets.Detach(h, m)); err != nil {
			return fmt.Errorf("store source holdings: %w", err)
		}
		if m.ExitTax > 0 {
			if err := tx.AdjustTreasury(ctx, src.ID, m.ExitTax); err != nil {
				return fmt.Errorf("credit exit tax: %w", err)
			}
		}
		if err := tx.SetPlayerRegion(ctx, p.ID, ""); err != nil {
			return fmt.Errorf("clear player region: %w", err)
		}

		if err := rec.transition(StatusInTransit, now); err != nil {
			return err
		}
		rec.Manifest = blob
		rec.DepartedAt = now
		rec.ArrivalAt = now.Add(rec.Route.TotalTime)
		if err := tx.UpdateTravel(ctx, rec); err != nil {
			return fmt.Errorf("update travel: %w", err)
		}
		return s.audit(ctx, tx, rec, now)
	})
	if err != nil {
		return Record{}, err
	}
	s.publish(rec)
	if expired {
		return rec, ErrTicketExpired
	}
	return rec, nil
}

func (s *Service) rules(ctx context.Context, tx Tx, p region.Player, src region.Region, destID string, now time.Time) (assets.Rules, error) {
	r := assets.Rules{
		MembershipType:  region.MembershipVisitor,
		GalacticCitizen: p.GalacticCitizen,
		SourceTaxRate:   src.TaxRate,
	}
	m, err := tx.Membership(ctx, p.ID, src.ID)
	switch {
	case err == nil:
		r.MembershipType = m.Type
	case !errors.Is(err, region.ErrNotFound):
		return r, fmt.Errorf("load membership: %w", err)
	}
	treaty, err := tx.TreatyActive(ctx, src.ID, destID, region.TreatyTradeAgreement, now)
	if err != nil {
		return r, fmt.Errorf("check treaty: %w", err)
	}
	r.TradeAgreement = treaty
	return r, nil
}

func (s *Service) expire(ctx context.Context, tx Tx, rec *Record, now time.Time) error {
	if err := rec.transition(StatusExpired, now); err != nil {
		return err
	}
	rec.Reason = "authorization expired before departure"
	if err := tx.UpdateTravel(ctx, *rec); err != nil {
		return fmt.Errorf("update travel: %w", err)
	}
	return s.audit(ctx, tx, *rec, now)
}

// Arrive delivers the escrowed assets and places the player in the
// destination region.
func (s *Service) Arrive(ctx context.Context, travelID string) (Record, error) {
	var rec Record
	err := s.store.Atomically(ctx, func(tx Tx) error {
		var err error
		rec, err = s.load(ctx, tx, "", travelID)
		if err != nil {
			return err
		}
		return s.arrive(ctx, tx, &rec, s.now())
	})
	if err != nil {
		return Record{}, err
	}
	s.publish(rec)
	return rec, nil
}

var errDestinationClosed = errors.New("travel: destination closed")

func (s *Service) arrive(ctx context.Context, tx Tx, rec *Record, now time.Time) error {
	if rec.Status != StatusInTransit {
		return fmt.Errorf("%w: cannot arrive while %s", ErrInvalidTransition, rec.Status)
	}
	dst, err := tx.Region(ctx, rec.DestRegionID)
	if err != nil {
		return fmt.Errorf("load destination region: %w", err)
	}
	if !dst.IsActive() {
		return fmt.Errorf("%w: %s is %s", errDestinationClosed, dst.Name, dst.Status)
	}
	m, err := assets.DecodeManifest(rec.Manifest)
	if err != nil {
		return err
	}
	h, err := tx.Holdings(ctx, rec.DestRegionID, rec.PlayerID)
	if err != nil {
		return fmt.Errorf("load destination holdings: %w", err)
	}
	if err := tx.PutHoldings(ctx, assets.Attach(h, m)); err != nil {
		return fmt.Errorf("store destination holdings: %w", err)
	}
	if err := tx.SetPlayerRegion(ctx, rec.PlayerID, rec.DestRegionID); err != nil {
		return fmt.Errorf("set player region: %w", err)
	}
	if err := tx.RecordVisit(ctx, rec.PlayerID, rec.DestRegionID, now); err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	if err := rec.transition(StatusCompleted, now); err != nil {
		return err
	}
	rec.CompletedAt = now
	rec.Manifest = nil
	if err := tx.UpdateTravel(ctx, *rec); err != nil {
		return fmt.Errorf("update travel: %w", err)
	}
	return s.audit(ctx, tx, *rec, now)
}

// returnToSource puts the escrowed manifest back into the source region and
// moves rec to final. The gate fee is not refunded.
func (s *Service) returnToSource(ctx context.Context, tx Tx, rec *Record, final Status, reason string, now time.Time) error {
	m, err := assets.DecodeManifest(rec.Manifest)
	if err != nil {
		return err
	}
	h, err := tx.Holdings(ctx, rec.SourceRegionID, rec.PlayerID)
	if err != nil {
		return fmt.Errorf("load source holdings: %w", err)
	}
	if err := tx.PutHoldings(ctx, assets.Restore(h, m)); err != nil {
		return fmt.Errorf("restore source holdings: %w", err)
	}
	if m.ExitTax > 0 {
		if err := tx.AdjustTreasury(ctx, rec.SourceRegionID, -m.ExitTax); err != nil {
			return fmt.Errorf("refund exit tax: %w", err)
		}
	}
	if err := tx.SetPlayerRegion(ctx, rec.PlayerID, rec.SourceRegionID); err != nil {
		return fmt.Errorf("set player region: %w", err)
	}
	if err := rec.transition(final, now); err != nil {
		return err
	}
	rec.Reason = reason
	rec.CompletedAt = now
	rec.Manifest = nil
	if err := tx.UpdateTravel(ctx, *rec); err != nil {
		return fmt.Errorf("update travel: %w", err)
	}
	return s.audit(ctx, tx, *rec, now)
}

// Cancel abandons a journey. In transit, the player and assets return to the
// source region.
func (s *Service) Cancel(ctx context.Context, playerID, travelID string) (Record, error) {
	var rec Record
	err := s.store.Atomically(ctx, func(tx Tx) error {
		now := s.now()
		var err error
		rec, err = s.load(ctx, tx, playerID, travelID)
		if err != nil {
			return err
		}
		switch rec.Status {
		case StatusAuthorized:
			if err := rec.transition(StatusCancelled, now); err != nil {
				return err
			}
			rec.Reason = "cancelled by player"
			if err := tx.UpdateTravel(ctx, rec); err != nil {
				return fmt.Errorf("update travel: %w", err)
			}
			return s.audit(ctx, tx, rec, now)
		case StatusInTransit:
			return s.returnToSource(ctx, tx, &rec, StatusCancelled, "cancelled in transit", now)
		default:
			return fmt.Errorf("%w: cannot cancel while %s", ErrInvalidTransition, rec.Status)
		}
	})
	if err != nil {
		return Record{}, err
	}
	s.publish(rec)
	return rec, nil
}

// Tick expires stale authorizations and lands journeys whose arrival time has
// passed. Each journey is reloaded and settled in its own transaction, so a
// journey cancelled after the listing is left alone.
func (s *Service) Tick(ctx context.Context) error {
	now := s.now()
	var expired, due []Record
	err := s.store.Atomically(ctx, func(tx Tx) error {
		var err error
		if expired, err = tx.ExpiredAuthorizations(ctx, now); err != nil {
			return fmt.Errorf("list expired authorizations: %w", err)
		}
		if due, err = tx.DueArrivals(ctx, now); err != nil {
			return fmt.Errorf("list due arrivals: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, listed := range expired {
		var rec Record
		err := s.store.Atomically(ctx, func(tx Tx) error {
			var err error
			if rec, err = current(ctx, tx, listed.ID, StatusAuthorized); err != nil {
				return err
			}
			return s.expire(ctx, tx, &rec, now)
		})
		if errors.Is(err, errSettled) {
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("travel_id", listed.ID).Msg("expire authorization")
			continue
		}
		s.publish(rec)
	}

	for _, listed := range due {
		var rec Record
		err := s.store.Atomically(ctx, func(tx Tx) error {
			var err error
			if rec, err = current(ctx, tx, listed.ID, StatusInTransit); err != nil {
				return err
			}
			return s.arrive(ctx, tx, &rec, now)
		})
		if errors.Is(err, errSettled) {
			continue
		}
		if err == nil {
			s.publish(rec)
			continue
		}
		s.log.Warn().Err(err).Str("travel_id", listed.ID).Str("player_id", listed.PlayerID).Msg("arrival failed, returning to source")
		reason := err.Error()
		err = s.store.Atomically(ctx, func(tx Tx) error {
			var err error
			if rec, err = current(ctx, tx, listed.ID, StatusInTransit); err != nil {
				return err
			}
			return s.returnToSource(ctx, tx, &rec, StatusFailed, reason, now)
		})
		if errors.Is(err, errSettled) {
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("travel_id", listed.ID).Msg("return to source")
			continue
		}
		s.publish(rec)
	}
	return nil
}

// errSettled means a journey moved on after Tick listed it.
var errSettled = errors.New("travel: already settled")

// current reloads a journey inside tx, failing with errSettled unless it is
// still in want.
func current(ctx context.Context, tx Tx, travelID string, want Status) (Record, error) {
	rec, err := tx.Travel(ctx, travelID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != want {
		return rec, errSettled
	}
	return rec, nil
}

// VerifyAudit re-walks the audit chain.
func (s *Service) VerifyAudit(ctx context.Context) (int, error) {
	var n int
	err := s.store.Atomically(ctx, func(tx Tx) error {
		entries, err := tx.AuditEntries(ctx)
		if err != nil {
			return err
		}
		n = len(entries)
		return audit.Verify(entries)
	})
	return n, err
}

type auditPayload struct {
	Status Status `json:"status"`
	Player string `json:"player"`
	From   string `json:"from"`
	To     string `json:"to"`
	Cost   int64  `json:"cost,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Service) audit(ctx context.Context, tx Tx, rec Record, now time.Time) error {
	payload, err := json.Marshal(auditPayload{
		Status: rec.Status,
		Player: rec.PlayerID,
		From:   rec.SourceRegionID,
		To:     rec.DestRegionID,
		Cost:   rec.Cost,
		Reason: rec.Reason,
	})
	if err != nil {
		return err
	}
	if _, err := tx.AppendAudit(ctx, audit.Entry{At: now, Kind: "travel", Subject: rec.ID, Payload: string(payload)}); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Service) publish(recs ...Record) {
	for _, rec := range recs {
		metrics.RecordTravelTransition(string(rec.Status))
		s.log.Info().
			Str("travel_id", rec.ID).
			Str("player_id", rec.PlayerID).
			Str("from", rec.SourceRegionID).
			Str("to", rec.DestRegionID).
			Str("status", string(rec.Status)).
			Str("reason", rec.Reason).
			Msg("travel transition")
		if s.onChange != nil {
			s.onChange(rec)
		}
	}
}
