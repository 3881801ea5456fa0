package mesh

import (
	"sync"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/security"
)

// peerConduct is the behavior observed from one peer. It outlives the peer's
// table entry so a rediscovered peer is scored on its history.
type peerConduct struct {
	signatureFailures uint32
	routesOK          uint32
	routesFailed      uint32
}

type conductLog struct {
	mu     sync.Mutex
	peers  map[string]*peerConduct
	limit  int
	perMax float64
}

func newConductLog(limit int, perThreshold float64) *conductLog {
	return &conductLog{
		peers:  make(map[string]*peerConduct),
		limit:  limit,
		perMax: perThreshold,
	}
}

// entryLocked returns nil once the log is full and nodeID is new.
func (l *conductLog) entryLocked(nodeID string) *peerConduct {
	if pc, ok := l.peers[nodeID]; ok {
		return pc
	}
	if len(l.peers) >= l.limit {
		return nil
	}
	pc := &peerConduct{}
	l.peers[nodeID] = pc
	return pc
}

func (l *conductLog) signatureFailed(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pc := l.entryLocked(nodeID); pc != nil {
		pc.signatureFailures++
	}
}

// linkSample counts a sample at or under the PER threshold as a delivered
// route and anything above it as a failed one.
func (l *conductLog) linkSample(nodeID string, per float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pc := l.entryLocked(nodeID)
	if pc == nil {
		return
	}
	if per > l.perMax {
		pc.routesFailed++
	} else {
		pc.routesOK++
	}
}

// trust blends the attestation level with the recorded behavior.
func (l *conductLog) trust(nodeID string, level common.AttestationLevel) float64 {
	l.mu.Lock()
	var pc peerConduct
	if p, ok := l.peers[nodeID]; ok {
		pc = *p
	}
	l.mu.Unlock()
	return security.CalculateTrustScore(level, pc.signatureFailures, pc.routesOK, pc.routesFailed)
}
