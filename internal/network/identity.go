package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
	peer "github.com/libp2p/go-libp2p/core/peer"
)

const identityFile = "node_identity.json"

// PersistentIdentity holds the private key and peer ID.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// SaveIdentity writes the identity into dir, readable by the owner only.
func SaveIdentity(dir string, id *PersistentIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, identityFile), data, 0o600)
}

// LoadIdentity reads the identity stored in dir.
func LoadIdentity(dir string) (*PersistentIdentity, error) {
	data, err := os.ReadFile(filepath.Join(dir, identityFile))
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreateIdentity returns the node key stored in dir, generating and
// saving a fresh Ed25519 key on first start.
func LoadOrCreateIdentity(dir string) (crypto.PrivKey, error) {
	id, err := LoadIdentity(dir)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
		if err != nil {
			return nil, fmt.Errorf("decode stored identity: %w", err)
		}
		pid, err := peer.IDFromPrivateKey(priv)
		if err != nil {
			return nil, err
		}
		if id.PeerID != "" && id.PeerID != pid.String() {
			return nil, fmt.Errorf("stored peer id %s does not match key (%s)", id.PeerID, pid)
		}
		return priv, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(dir, &PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()}); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return priv, nil
}

// NodeID returns the mesh node ID for a key: its libp2p peer ID.
func NodeID(priv crypto.PrivKey) (string, error) {
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return pid.String(), nil
}

// SigningKey exposes the node key for the security boundary. Only Ed25519
// identities are supported.
func SigningKey(priv crypto.PrivKey) (ed25519.PrivateKey, error) {
	if priv.Type() != crypto.Ed25519 {
		return nil, fmt.Errorf("identity key type %s is not ed25519", priv.Type())
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected ed25519 key length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// PublicKeyOf recovers a peer's Ed25519 verification key from its ID.
func PublicKeyOf(nodeID string) ([]byte, error) {
	pid, err := peer.Decode(nodeID)
	if err != nil {
		return nil, err
	}
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return nil, err
	}
	if pub.Type() != crypto.Ed25519 {
		return nil, fmt.Errorf("peer %s key type %s is not ed25519", nodeID, pub.Type())
	}
	return pub.Raw()
}
