package warpgate

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

type Hop struct {
	GateID     string        `json:"gateId"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	EnergyCost int64         `json:"energyCost"`
	TravelTime time.Duration `json:"travelTime"`
}

type Route struct {
	Hops        []Hop         `json:"hops"`
	TotalEnergy int64         `json:"totalEnergy"`
	TotalTime   time.Duration `json:"totalTime"`
}

// Network is the in-memory gate graph. It is safe for concurrent use; the
// gate set is swapped wholesale by Replace.
type Network struct {
	mu    sync.RWMutex
	gates map[string]Gate
	edges map[string][]edge
}

type edge struct {
	gate Gate
	to   string
}

func NewNetwork(gates []Gate) *Network {
	n := &Network{}
	n.Replace(gates)
	return n
}

func (n *Network) Replace(gates []Gate) {
	byID := make(map[string]Gate, len(gates))
	edges := make(map[string][]edge)
	for _, g := range gates {
		byID[g.ID] = g
		edges[g.SourceRegionID] = append(edges[g.SourceRegionID], edge{gate: g, to: g.DestRegionID})
		if g.Bidirectional {
			edges[g.DestRegionID] = append(edges[g.DestRegionID], edge{gate: g, to: g.SourceRegionID})
		}
	}
	for k := range edges {
		es := edges[k]
		sort.Slice(es, func(i, j int) bool { return es[i].gate.ID < es[j].gate.ID })
	}
	n.mu.Lock()
	n.gates = byID
	n.edges = edges
	n.mu.Unlock()
}

func (n *Network) Gates() []Gate {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Gate, 0, len(n.gates))
	for _, g := range n.gates {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (n *Network) Gate(id string) (Gate, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	g, ok := n.gates[id]
	return g, ok
}

// Route finds the cheapest path by energy, breaking ties on travel time and
// then hop count. Inactive gates and gates that refuse the traveler are
// skipped.
func (n *Network) Route(from, to string, t Traveler) (Route, error) {
	if from == to {
		return Route{}, ErrSameRegion
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	best := map[string]cost{from: {}}
	prev := map[string]edge{}
	prevFrom := map[string]string{}
	pq := &costQueue{{node: from}}
	done := map[string]bool{}

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(queueItem)
		if done[cur.node] {
			continue
		}
		done[cur.node] = true
		if cur.node == to {
			break
		}
		for _, e := range n.edges[cur.node] {
			if e.gate.Status != StatusActive || !e.gate.Admits(t) || done[e.to] {
				continue
			}
			next := cost{
				energy: cur.cost.energy + e.gate.EnergyCost,
				time:   cur.cost.time + e.gate.TravelTime,
				hops:   cur.cost.hops + 1,
			}
			if old, ok := best[e.to]; ok && !next.less(old) {
				continue
			}
			best[e.to] = next
			prev[e.to] = e
			prevFrom[e.to] = cur.node
			heap.Push(pq, queueItem{node: e.to, cost: next})
		}
	}

	if !done[to] {
		return Route{}, ErrNoRoute
	}

	var hops []Hop
	for node := to; node != from; node = prevFrom[node] {
		e := prev[node]
		hops = append(hops, Hop{
			GateID:     e.gate.ID,
			From:       prevFrom[node],
			To:         node,
			EnergyCost: e.gate.EnergyCost,
			TravelTime: e.gate.TravelTime,
		})
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	total := best[to]
	return Route{Hops: hops, TotalEnergy: total.energy, TotalTime: total.time}, nil
}

type cost struct {
	energy int64
	time   time.Duration
	hops   int
}

func (c cost) less(o cost) bool {
	if c.energy != o.energy {
		return c.energy < o.energy
	}
	if c.time != o.time {
		return c.time < o.time
	}
	return c.hops < o.hops
}

type queueItem struct {
	node string
	cost cost
}

type costQueue []queueItem

func (q costQueue) Len() int { return len(q) }
func (q costQueue) Less(i, j int) bool {
	if q[i].cost == q[j].cost {
		return q[i].node < q[j].node
	}
	return q[i].cost.less(q[j].cost)
}
func (q costQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *costQueue) Push(x any)   { *q = append(*q, x.(queueItem)) }
func (q *costQueue) Pop() any {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}
