package auth

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// KeyRegistry maps node ids to their registered signing keys.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRegistry creates an empty registry
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]ed25519.PublicKey)}
}

// NewKeyRegistryFromHex builds a registry from node id -> hex public key pairs.
func NewKeyRegistryFromHex(entries map[string]string) (*KeyRegistry, error) {
	r := NewKeyRegistry()
	for nodeID, hexKey := range entries {
		pub, err := ParsePublicKeyHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("key for node %s: %w", nodeID, err)
		}
		r.Register(nodeID, pub)
	}
	return r, nil
}

// Register sets the key for nodeID, replacing any previous key.
func (r *KeyRegistry) Register(nodeID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[nodeID] = append(ed25519.PublicKey(nil), pub...)
}

func (r *KeyRegistry) Lookup(nodeID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[nodeID]
	return pub, ok
}

func (r *KeyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
