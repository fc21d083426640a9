package warpgate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Topology is the on-disk description of gates that are not derived from
// region provisioning: player-built gates, warp jumpers, and status overrides
// for platform gates.
type Topology struct {
	Gates     []GateSpec     `toml:"gate"`
	Overrides []OverrideSpec `toml:"override"`
}

// GateSpec names regions rather than IDs so the file stays readable.
type GateSpec struct {
	ID            string       `toml:"id"`
	Name          string       `toml:"name"`
	Kind          Kind         `toml:"kind"`
	From          string       `toml:"from"`
	FromSector    int          `toml:"from_sector"`
	To            string       `toml:"to"`
	ToSector      int          `toml:"to_sector"`
	EnergyCost    int64        `toml:"energy_cost"`
	TravelTime    duration     `toml:"travel_time"`
	Bidirectional bool         `toml:"bidirectional"`
	Status        Status       `toml:"status"`
	Owner         string       `toml:"owner"`
	Restrictions  Restrictions `toml:"restrictions"`
}

type OverrideSpec struct {
	GateID string `toml:"gate"`
	Status Status `toml:"status"`
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadTopology reads a topology file. A missing file is an empty topology.
func LoadTopology(path string) (Topology, error) {
	var t Topology
	if path == "" {
		return t, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Topology{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return t, nil
}

// DecodeTopology parses topology text.
func DecodeTopology(data string) (Topology, error) {
	var t Topology
	if _, err := toml.Decode(data, &t); err != nil {
		return Topology{}, fmt.Errorf("decode topology: %w", err)
	}
	return t, nil
}

// Resolve turns specs into gates, mapping region names to IDs with lookup.
// Unknown regions are an error; the file must not reference regions that do
// not exist.
func (t Topology) Resolve(lookup func(name string) (string, bool)) ([]Gate, error) {
	out := make([]Gate, 0, len(t.Gates))
	for _, s := range t.Gates {
		from, ok := lookup(s.From)
		if !ok {
			return nil, fmt.Errorf("%w: gate %s: unknown region %q", ErrInvalidGate, s.ID, s.From)
		}
		to, ok := lookup(s.To)
		if !ok {
			return nil, fmt.Errorf("%w: gate %s: unknown region %q", ErrInvalidGate, s.ID, s.To)
		}
		g := Gate{
			ID:             s.ID,
			Name:           s.Name,
			Kind:           s.Kind,
			SourceRegionID: from,
			SourceSector:   s.FromSector,
			DestRegionID:   to,
			DestSector:     s.ToSector,
			EnergyCost:     s.EnergyCost,
			TravelTime:     s.TravelTime.Duration,
			Bidirectional:  s.Bidirectional,
			Status:         s.Status,
			OwnerID:        s.Owner,
			Restrictions:   s.Restrictions,
		}
		if g.Kind == "" {
			g.Kind = KindPlayer
		}
		if g.Status == "" {
			g.Status = StatusActive
		}
		if g.Name == "" {
			g.Name = s.From + " - " + s.To
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Apply sets the override statuses on matching gates.
func (t Topology) Apply(gates []Gate) []Gate {
	if len(t.Overrides) == 0 {
		return gates
	}
	status := make(map[string]Status, len(t.Overrides))
	for _, o := range t.Overrides {
		status[o.GateID] = o.Status
	}
	out := make([]Gate, len(gates))
	for i, g := range gates {
		if s, ok := status[g.ID]; ok {
			g.Status = s
		}
		out[i] = g
	}
	return out
}
