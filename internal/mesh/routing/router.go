package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/peers"
	"github.com/sony/gobreaker"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/stat"
)

// costScale converts costs to integral micro-units before path search so that
// equal-cost alternatives compare exactly.
const costScale = 1e6

var errPERBreach = errors.New("packet error rate above threshold")

// RouterConfig tunes path selection.
type RouterConfig struct {
	RouteTTL        time.Duration `mapstructure:"route_ttl" yaml:"route_ttl" validate:"gt=0"`
	PERThreshold    float64       `mapstructure:"per_threshold" yaml:"per_threshold" validate:"gt=0,lt=1"`
	PERWindow       int           `mapstructure:"per_window" yaml:"per_window" validate:"gte=1"`
	BreakerTrips    uint32        `mapstructure:"breaker_trips" yaml:"breaker_trips" validate:"gte=1"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown" validate:"gt=0"`
	EligibleTrust   float64       `mapstructure:"eligible_trust" yaml:"eligible_trust" validate:"gt=0,lte=1"`
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RouteTTL:        30 * time.Second,
		PERThreshold:    0.10,
		PERWindow:       8,
		BreakerTrips:    3,
		BreakerCooldown: 10 * time.Second,
		EligibleTrust:   common.TrustEligible,
	}
}

// ComputeCost scores a one-hop link. Lower is better.
func ComputeCost(trust float64, link common.LinkSample) float64 {
	snrFactor := 10.0
	if link.SNRdB > 0 {
		snrFactor = 1 / (1 + link.SNRdB)
	}
	trustFactor := 1 / (0.1 + trust)
	latencyFactor := float64(link.Latency.Milliseconds()) / 100
	perFactor := 1 + 10*link.PER
	return snrFactor + trustFactor + latencyFactor + perFactor
}

type linkState struct {
	sample    common.LinkSample
	perWindow []float64
	breaker   *gobreaker.CircuitBreaker
	updated   time.Time
}

// meanPER averages the recent window.
func (l *linkState) meanPER() float64 {
	if len(l.perWindow) == 0 {
		return l.sample.PER
	}
	return stat.Mean(l.perWindow, nil)
}

type advertState struct {
	cost float64
	at   time.Time
}

// Router maintains least-cost next hops over trusted neighbors and the routes
// they advertise.
type Router struct {
	nodeID string
	peers  *peers.Table

	mu      sync.RWMutex
	links   map[string]*linkState
	adverts map[string]map[string]advertState
	routes  map[string]common.RouteEntry

	config RouterConfig
	now    common.Clock
	logger *slog.Logger
}

// NewRouter creates a router reading trust from table.
func NewRouter(nodeID string, table *peers.Table, config RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		nodeID:  nodeID,
		peers:   table,
		links:   make(map[string]*linkState),
		adverts: make(map[string]map[string]advertState),
		routes:  make(map[string]common.RouteEntry),
		config:  config,
		now:     time.Now,
		logger:  logger.With("component", "router"),
	}
}

// SetClock overrides the time source.
func (r *Router) SetClock(clock common.Clock) {
	r.now = clock
}

func (r *Router) newBreaker(peerID string) *gobreaker.CircuitBreaker {
	trips := r.config.BreakerTrips
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        peerID,
		MaxRequests: 1,
		Timeout:     r.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("link breaker state changed", "peer_id", shortID(name), "from", from.String(), "to", to.String())
		},
	})
}

// UpdateLink records a link sample. It reports true when the sample tripped
// the link's breaker and the link was taken out of service.
func (r *Router) UpdateLink(sample common.LinkSample) bool {
	if sample.PeerID == "" || sample.PeerID == r.nodeID {
		return false
	}
	if sample.At.IsZero() {
		sample.At = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.links[sample.PeerID]
	if !ok {
		link = &linkState{breaker: r.newBreaker(sample.PeerID)}
		r.links[sample.PeerID] = link
	}
	link.sample = sample
	link.updated = sample.At
	link.perWindow = append(link.perWindow, sample.PER)
	if len(link.perWindow) > r.config.PERWindow {
		link.perWindow = link.perWindow[len(link.perWindow)-r.config.PERWindow:]
	}

	wasOpen := link.breaker.State() == gobreaker.StateOpen
	_, _ = link.breaker.Execute(func() (interface{}, error) {
		if sample.PER > r.config.PERThreshold {
			return nil, errPERBreach
		}
		return nil, nil
	})
	tripped := !wasOpen && link.breaker.State() == gobreaker.StateOpen
	if tripped {
		r.logger.Warn("link breaker opened", "peer_id", shortID(sample.PeerID), "per", sample.PER)
	}
	return tripped
}

// UpdateAdvertisement replaces the routes a neighbor claims to reach.
// Advertisements from peers without a usable link are refused; entries naming
// this node or the advertiser itself are skipped.
func (r *Router) UpdateAdvertisement(from string, adverts []common.RouteAdvert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isNeighborLocked(from) {
		return common.NewMeshError(common.ErrCodeNoRoute, "advertiser is not a neighbor").
			WithContext("peer_id", from)
	}

	now := r.now()
	table := make(map[string]advertState, len(adverts))
	for _, a := range adverts {
		if a.Destination == r.nodeID || a.Destination == from || a.Destination == "" {
			continue
		}
		if math.IsNaN(a.Cost) || a.Cost < 0 {
			continue
		}
		table[a.Destination] = advertState{cost: a.Cost, at: now}
	}
	r.adverts[from] = table
	return nil
}

func (r *Router) isNeighborLocked(peerID string) bool {
	link, ok := r.links[peerID]
	if !ok || link.breaker.State() == gobreaker.StateOpen {
		return false
	}
	peer, ok := r.peers.Get(peerID)
	return ok && r.eligible(peer)
}

func (r *Router) eligible(peer common.PeerInfo) bool {
	return peer.TrustScore >= r.config.EligibleTrust && !peer.Ghost
}

// RebuildRoutes recomputes every route and returns the number of reachable
// destinations.
func (r *Router) RebuildRoutes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuildLocked()
}

func (r *Router) rebuildLocked() int {
	known := make(map[string]common.PeerInfo)
	for _, p := range r.peers.Snapshot() {
		known[p.NodeID] = p
	}

	ids := map[string]int64{r.nodeID: 0}
	names := []string{r.nodeID}
	nodeFor := func(name string) int64 {
		if id, ok := ids[name]; ok {
			return id
		}
		id := int64(len(names))
		ids[name] = id
		names = append(names, name)
		return id
	}

	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	g.AddNode(simple.Node(0))

	evidence := make(map[[2]string]time.Time)
	neighbors := make([]string, 0, len(r.links))
	for peerID := range r.links {
		neighbors = append(neighbors, peerID)
	}
	sort.Strings(neighbors)

	for _, peerID := range neighbors {
		link := r.links[peerID]
		peer, ok := known[peerID]
		if !ok || !r.eligible(peer) || link.breaker.State() == gobreaker.StateOpen {
			continue
		}
		sample := link.sample
		sample.PER = link.meanPER()
		w := math.Round(ComputeCost(peer.TrustScore, sample) * costScale)
		to := nodeFor(peerID)
		g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(0), T: simple.Node(to), W: w})
		evidence[[2]string{r.nodeID, peerID}] = link.updated

		dests := make([]string, 0, len(r.adverts[peerID]))
		for dest := range r.adverts[peerID] {
			dests = append(dests, dest)
		}
		sort.Strings(dests)
		for _, dest := range dests {
			if p, ok := known[dest]; ok && !r.eligible(p) {
				continue
			}
			adv := r.adverts[peerID][dest]
			g.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(to),
				T: simple.Node(nodeFor(dest)),
				W: math.Round(adv.cost * costScale),
			})
			evidence[[2]string{peerID, dest}] = adv.at
		}
	}

	shortest := path.DijkstraAllFrom(simple.Node(0), g)
	routes := make(map[string]common.RouteEntry, len(names))
	for id := int64(1); id < int64(len(names)); id++ {
		alternatives, weight := shortest.AllTo(id)
		if len(alternatives) == 0 || math.IsInf(weight, 1) {
			continue
		}

		var best common.RouteEntry
		found := false
		for _, nodes := range alternatives {
			hops := make([]string, 0, len(nodes)-1)
			for _, n := range nodes[1:] {
				hops = append(hops, names[n.ID()])
			}
			entry := common.RouteEntry{
				Destination: names[id],
				NextHop:     hops[0],
				Cost:        weight / costScale,
				Hops:        hops,
				MinTrust:    minTrust(hops, known),
				LastUpdated: oldestEvidence(r.nodeID, hops, evidence),
			}
			if !found || entry.MinTrust > best.MinTrust ||
				(entry.MinTrust == best.MinTrust && entry.NextHop < best.NextHop) {
				best = entry
				found = true
			}
		}
		routes[best.Destination] = best
	}

	for dest := range r.routes {
		if _, ok := routes[dest]; !ok {
			r.logger.Debug("route withdrawn", "destination", shortID(dest))
		}
	}
	r.routes = routes
	return len(routes)
}

func minTrust(hops []string, known map[string]common.PeerInfo) float64 {
	lowest := 1.0
	for _, hop := range hops {
		if p, ok := known[hop]; ok && p.TrustScore < lowest {
			lowest = p.TrustScore
		}
	}
	return lowest
}

func oldestEvidence(self string, hops []string, evidence map[[2]string]time.Time) time.Time {
	var oldest time.Time
	prev := self
	for _, hop := range hops {
		at := evidence[[2]string{prev, hop}]
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
		prev = hop
	}
	return oldest
}

// RouteFor returns the current route to destination. A route whose hops
// have lost eligibility since the last rebuild is reported unreachable.
func (r *Router) RouteFor(destination string) (common.RouteEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[destination]
	if !ok {
		return common.RouteEntry{}, common.ErrUnreachable(destination)
	}
	if next, ok := r.peers.Get(route.NextHop); !ok || !r.eligible(next) {
		return common.RouteEntry{}, common.ErrUnreachable(destination)
	}
	for _, hop := range route.Hops {
		if p, ok := r.peers.Get(hop); ok && !r.eligible(p) {
			return common.RouteEntry{}, common.ErrUnreachable(destination)
		}
	}
	route.Hops = append([]string(nil), route.Hops...)
	return route, nil
}

// OnLinkFailure drops the link to peerID and everything learned through it,
// reroutes over the remaining relays and returns destinations left unreachable.
func (r *Router) OnLinkFailure(peerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []string
	for dest, route := range r.routes {
		if route.NextHop == peerID {
			affected = append(affected, dest)
		}
	}
	delete(r.links, peerID)
	delete(r.adverts, peerID)
	r.rebuildLocked()

	var lost []string
	for _, dest := range affected {
		if route, ok := r.routes[dest]; ok {
			r.logger.Info("rerouted", "destination", shortID(dest), "via", shortID(route.NextHop), "cost", route.Cost)
			continue
		}
		lost = append(lost, dest)
	}
	sort.Strings(lost)

	r.logger.Warn("link failure", "peer_id", shortID(peerID), "affected", len(affected), "unreachable", len(lost))
	return lost
}

// NeedsReroute reports whether the route to destination is missing or its
// next hop's recent error rate exceeds perThreshold.
func (r *Router) NeedsReroute(destination string, perThreshold float64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[destination]
	if !ok {
		return true
	}
	link, ok := r.links[route.NextHop]
	if !ok {
		return true
	}
	return link.meanPER() > perThreshold
}

// PruneStale expires links, advertisements and routes not refreshed within
// RouteTTL, and routes whose next hop left the peer table or lost
// eligibility. It returns the number of routes removed.
func (r *Router) PruneStale() int {
	now := r.now()
	cutoff := now.Add(-r.config.RouteTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	for peerID, link := range r.links {
		if link.updated.Before(cutoff) {
			delete(r.links, peerID)
			delete(r.adverts, peerID)
		}
	}
	for advertiser, table := range r.adverts {
		for dest, adv := range table {
			if adv.at.Before(cutoff) {
				delete(table, dest)
			}
		}
		if len(table) == 0 {
			delete(r.adverts, advertiser)
		}
	}

	removed := 0
	for dest, route := range r.routes {
		peer, ok := r.peers.Get(route.NextHop)
		if route.LastUpdated.Before(cutoff) || !ok || !r.eligible(peer) {
			delete(r.routes, dest)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("pruned stale routes", "count", removed)
	}
	return removed
}

// Routes returns a copy of the route table ordered by destination.
func (r *Router) Routes() []common.RouteEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.RouteEntry, 0, len(r.routes))
	for _, route := range r.routes {
		route.Hops = append([]string(nil), route.Hops...)
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Advertisements renders the route table for a neighbor. Routes through
// that neighbor are left out (split horizon).
func (r *Router) Advertisements(neighbor string) []common.RouteAdvert {
	var out []common.RouteAdvert
	for _, route := range r.Routes() {
		if route.NextHop == neighbor || route.Destination == neighbor {
			continue
		}
		out = append(out, common.RouteAdvert{Destination: route.Destination, Cost: route.Cost})
	}
	return out
}

// LinkPER returns the mean recent error rate toward peerID.
func (r *Router) LinkPER(peerID string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[peerID]
	if !ok {
		return 0, common.ErrLinkDown(peerID, fmt.Errorf("no link samples"))
	}
	return link.meanPER(), nil
}
