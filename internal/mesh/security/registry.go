package security

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"sync"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"gopkg.in/yaml.v3"
)

// Registry holds the attestation level provisioned for each node.
type Registry struct {
	mu     sync.RWMutex
	levels map[string]common.AttestationLevel
}

// registryFile is the on-disk provisioning format:
//
//	nodes:
//	  12D3KooW...: tpm
//	  12D3KooX...: software
type registryFile struct {
	Nodes map[string]string `yaml:"nodes"`
}

func NewRegistry() *Registry {
	return &Registry{levels: make(map[string]common.AttestationLevel)}
}

// LoadRegistry reads a provisioning file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attestation registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse attestation registry: %w", err)
	}

	r := NewRegistry()
	for nodeID, raw := range file.Nodes {
		level, err := ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nodeID, err)
		}
		r.Register(nodeID, level)
	}
	return r, nil
}

// ParseLevel maps a provisioning string to a level.
func ParseLevel(s string) (common.AttestationLevel, error) {
	switch s {
	case "tpm":
		return common.AttestationTPM, nil
	case "software":
		return common.AttestationSoftware, nil
	case "none", "":
		return common.AttestationNone, nil
	default:
		return common.AttestationNone, fmt.Errorf("unknown attestation level %q", s)
	}
}

func (r *Registry) Register(nodeID string, level common.AttestationLevel) {
	r.mu.Lock()
	r.levels[nodeID] = level
	r.mu.Unlock()
}

func (r *Registry) Level(nodeID string) common.AttestationLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.levels[nodeID]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.levels)
}

// ApprovalVerifier checks operator signatures over offline-store challenges.
type ApprovalVerifier struct {
	boundary    common.SecurityBoundary
	operatorKey []byte
}

// NewApprovalVerifier binds the operator's public key.
func NewApprovalVerifier(boundary common.SecurityBoundary, operatorKey []byte) (*ApprovalVerifier, error) {
	if len(operatorKey) != ed25519.PublicKeySize {
		return nil, common.NewMeshError(common.ErrCodeInvalidConfig, "operator key must be an ed25519 public key").
			WithContext("length", len(operatorKey))
	}
	return &ApprovalVerifier{boundary: boundary, operatorKey: append([]byte(nil), operatorKey...)}, nil
}

// Authorize reports whether signature is the operator's signature of challenge.
func (v *ApprovalVerifier) Authorize(challenge, signature []byte) bool {
	return v.boundary.Verify(challenge, signature, v.operatorKey)
}
