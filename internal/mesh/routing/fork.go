package routing

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
)

// branchView collects the nodes announcing one root at one height.
type branchView struct {
	root       common.Hash
	supporters map[string]supporter
	firstSeen  time.Time
}

type supporter struct {
	attested       bool
	attestedBlocks uint64
}

// weight is the attested chain length behind the branch and the number of
// attested nodes vouching for it. Unattested support carries no weight.
func (v *branchView) weight() (uint64, int) {
	var blocks uint64
	count := 0
	for _, s := range v.supporters {
		if !s.attested {
			continue
		}
		count++
		if s.attestedBlocks > blocks {
			blocks = s.attestedBlocks
		}
	}
	return blocks, count
}

// forkRecord tracks one contested height until it is confirmed or marked
// unverified.
type forkRecord struct {
	height      uint64
	detectedAt  time.Time
	winner      common.Hash
	local       common.Hash
	localLost   bool
	syncPeer    string
	attempts    int
	lastAttempt time.Time
	resolved    bool
	unverified  bool
}

type branchRequest struct {
	peerID string
	height uint64
	root   common.Hash
}

func compareHash(a, b common.Hash) int {
	return bytes.Compare(a[:], b[:])
}

// pickWinner selects the branch with the longest attested chain. Ties go to
// more attested supporters, then the smaller root.
func pickWinner(branches map[common.Hash]*branchView) common.Hash {
	var best common.Hash
	var bestBlocks uint64
	bestCount := -1

	for root, view := range branches {
		blocks, count := view.weight()
		switch {
		case bestCount < 0,
			blocks > bestBlocks,
			blocks == bestBlocks && count > bestCount,
			blocks == bestBlocks && count == bestCount && compareHash(root, best) < 0:
			best, bestBlocks, bestCount = root, blocks, count
		}
	}
	return best
}

// recordSupportLocked notes that nodeID announced root at height. A node
// supports one root per height; a newer announcement replaces the old one.
func (g *GossipEngine) recordSupportLocked(height uint64, root common.Hash, nodeID string, attested bool, attestedBlocks uint64) {
	branches, ok := g.views[height]
	if !ok {
		branches = make(map[common.Hash]*branchView)
		g.views[height] = branches
	}

	for r, view := range branches {
		if r == root {
			continue
		}
		delete(view.supporters, nodeID)
		if len(view.supporters) == 0 {
			delete(branches, r)
		}
	}

	view, ok := branches[root]
	if !ok {
		view = &branchView{root: root, supporters: make(map[string]supporter), firstSeen: g.now()}
		branches[root] = view
	}
	if prev, ok := view.supporters[nodeID]; ok && prev.attestedBlocks > attestedBlocks {
		attestedBlocks = prev.attestedBlocks
	}
	view.supporters[nodeID] = supporter{attested: attested, attestedBlocks: attestedBlocks}

	if height > g.maxHeight {
		g.maxHeight = height
	}
}

func (g *GossipEngine) localRootAtLocked(height uint64) (common.Hash, bool) {
	for root, view := range g.views[height] {
		if _, ok := view.supporters[g.nodeID]; ok {
			return root, true
		}
	}
	return common.Hash{}, false
}

// syncPeerFor prefers an attested supporter with the longest chain.
func (g *GossipEngine) syncPeerFor(view *branchView) string {
	best := ""
	var bestSup supporter
	for id, s := range view.supporters {
		if id == g.nodeID {
			continue
		}
		switch {
		case best == "",
			s.attested && !bestSup.attested,
			s.attested == bestSup.attested && s.attestedBlocks > bestSup.attestedBlocks,
			s.attested == bestSup.attested && s.attestedBlocks == bestSup.attestedBlocks && id < best:
			best, bestSup = id, s
		}
	}
	return best
}

// evaluateFork resolves a height with more than one announced root. It
// reports whether the height is contested.
func (g *GossipEngine) evaluateFork(height uint64) bool {
	now := g.now()

	g.stateMu.Lock()
	branches := g.views[height]
	if len(branches) < 2 {
		g.stateMu.Unlock()
		return false
	}

	winner := pickWinner(branches)
	competing := len(branches)
	rec, exists := g.forks[height]
	if !exists {
		rec = &forkRecord{height: height, detectedAt: now}
		g.forks[height] = rec
	}
	prevWinner := rec.winner
	rec.winner = winner

	var reorg *Reorg
	var request *branchRequest
	var offerTo []string
	var offer localState
	localRoot, hasLocal := g.localRootAtLocked(height)
	if hasLocal && localRoot != winner {
		if !rec.localLost || prevWinner != winner || rec.resolved {
			rec.localLost = true
			rec.resolved = false
			rec.unverified = false
			rec.local = localRoot
			rec.syncPeer = g.syncPeerFor(branches[winner])
			rec.attempts = 1
			rec.lastAttempt = now
			reorg = &Reorg{Height: height, Local: localRoot, Winner: winner, SyncPeer: rec.syncPeer}
			if rec.syncPeer != "" {
				request = &branchRequest{peerID: rec.syncPeer, height: height, root: winner}
			}
		}
	} else {
		rec.localLost = false
		rec.resolved = true
		if hasLocal && prevWinner != winner && g.local.height == height && g.local.root == winner {
			offerTo = losingSupporters(g.nodeID, branches, winner)
			offer = g.local
		}
	}
	hook := g.onReorg
	g.stateMu.Unlock()

	if !exists {
		g.metricsMu.Lock()
		g.metrics.ForksDetected++
		g.metricsMu.Unlock()
		g.emit(common.SecurityForkDetected, "", fmt.Sprintf("height %d has %d competing roots, winner %s", height, competing, winner.Short()))
	}

	if reorg != nil {
		g.logger.Warn("local branch lost fork",
			"height", height,
			"local_root", reorg.Local.Short(),
			"winner", winner.Short(),
			"sync_peer", shortID(reorg.SyncPeer))
		if hook != nil {
			hook(*reorg)
		}
	}
	if request != nil {
		g.requestBranch(*request)
	}
	if len(offerTo) > 0 {
		g.offerBranch(offer, offerTo)
	}
	return true
}

// losingSupporters lists the peers announcing a root other than winner.
func losingSupporters(self string, branches map[common.Hash]*branchView, winner common.Hash) []string {
	var out []string
	for root, view := range branches {
		if root == winner {
			continue
		}
		for id := range view.supporters {
			if id != self {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// offerBranch sends a fresh signing of the winning local head straight to the
// peers on losing branches, so each detects the fork and requests the branch
// from this node. A fresh message ID gets past their duplicate filter.
func (g *GossipEngine) offerBranch(head localState, peerIDs []string) {
	msg, err := g.newAnnouncement(head.height, head.root, head.attestedBlocks)
	if err != nil {
		g.logger.Warn("winning branch not offered", "height", head.height, "error", err)
		return
	}
	g.metricsMu.Lock()
	g.metrics.BranchOffers++
	g.metricsMu.Unlock()

	payload := common.MarshalGossip(msg)
	for _, id := range peerIDs {
		g.send(id, common.TopicGossip, payload)
	}
	g.logger.Info("offered winning branch", "height", head.height, "root", head.root.Short(), "peers", len(peerIDs))
}

func (g *GossipEngine) requestBranch(req branchRequest) {
	g.metricsMu.Lock()
	g.metrics.BranchSyncs++
	g.metricsMu.Unlock()

	payload := common.MarshalBranchSync(common.BranchSyncRequest{Height: req.height, Root: req.root})
	g.send(req.peerID, common.TopicBranchSync, payload)
}

// confirmIfWinnerLocked closes a pending fork once the local chain adopts the
// winning root.
func (g *GossipEngine) confirmIfWinnerLocked(height uint64, root common.Hash) bool {
	rec, ok := g.forks[height]
	if !ok || rec.winner != root || rec.resolved {
		return false
	}
	rec.resolved = true
	rec.localLost = false
	if rec.unverified {
		rec.unverified = false
		g.dropUnverifiedLocked(height)
	}
	g.logger.Info("fork resolved", "height", height, "root", root.Short())
	return true
}

func (g *GossipEngine) dropUnverifiedLocked(height uint64) {
	kept := g.unverified[:0]
	for _, r := range g.unverified {
		if r.From != height {
			kept = append(kept, r)
		}
	}
	g.unverified = kept
}

// ConfirmBranch records that the local chain synced to root at height.
func (g *GossipEngine) ConfirmBranch(height uint64, root common.Hash) error {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	rec, ok := g.forks[height]
	if !ok {
		return common.ErrStateInvalid("confirm_branch", fmt.Sprintf("no fork at height %d", height))
	}
	if rec.winner != root {
		return common.ErrStateInvalid("confirm_branch",
			fmt.Sprintf("root %s is not the winner %s", root.Short(), rec.winner.Short()))
	}
	g.confirmIfWinnerLocked(height, root)
	return nil
}

// ForkWinner returns the winning root at a contested height.
func (g *GossipEngine) ForkWinner(height uint64) (common.Hash, bool) {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	rec, ok := g.forks[height]
	if !ok {
		return common.Hash{}, false
	}
	return rec.winner, true
}

// retryForks re-requests the winning branch every ForkRetryInterval and gives
// up after ForkRetryLimit attempts, marking the range unverified.
func (g *GossipEngine) retryForks(now time.Time) {
	var requests []branchRequest
	var exhausted []common.HeightRange

	g.stateMu.Lock()
	for height, rec := range g.forks {
		if rec.resolved || rec.unverified || !rec.localLost {
			continue
		}
		if now.Sub(rec.lastAttempt) < g.config.ForkRetryInterval {
			continue
		}
		if rec.attempts >= g.config.ForkRetryLimit || rec.syncPeer == "" {
			rec.unverified = true
			to := height
			if g.maxHeight > to {
				to = g.maxHeight
			}
			r := common.HeightRange{From: height, To: to}
			g.unverified = append(g.unverified, r)
			exhausted = append(exhausted, r)
			continue
		}
		rec.attempts++
		rec.lastAttempt = now
		requests = append(requests, branchRequest{peerID: rec.syncPeer, height: height, root: rec.winner})
	}
	g.stateMu.Unlock()

	for _, req := range requests {
		g.logger.Debug("retrying branch sync", "height", req.height, "peer_id", shortID(req.peerID))
		g.requestBranch(req)
	}
	for _, r := range exhausted {
		g.emit(common.SecurityUnverifiedRange, "", fmt.Sprintf("heights %d-%d unverified after %d branch sync attempts", r.From, r.To, g.config.ForkRetryLimit))
	}
}

// pruneViews drops root views and settled forks older than ViewRetention
// heights below the highest observed height. The local height is kept.
func (g *GossipEngine) pruneViews() {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	if g.maxHeight <= g.config.ViewRetention {
		return
	}
	cutoff := g.maxHeight - g.config.ViewRetention
	for height := range g.views {
		if height < cutoff && height != g.local.height {
			delete(g.views, height)
		}
	}
	for height, rec := range g.forks {
		if height < cutoff && (rec.resolved || rec.unverified) {
			delete(g.forks, height)
		}
	}
}
