package auth

import (
	"fmt"
	"sync"
	"time"
)

// Right is an action a node may perform against the consensus engine
type Right string

const (
	RightPropose Right = "propose"
	RightVote    Right = "vote"
)

// Wildcard grants apply to every node id.
const Wildcard = "*"

// Permission grants rights to a node, optionally until a deadline
type Permission struct {
	NodeID     string     `json:"node_id"`
	Rights     []Right    `json:"rights"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// PermissionManager handles proposal and vote access control
type PermissionManager struct {
	mu sync.RWMutex

	permissions map[string]Permission

	// Permission cache for performance
	cache    map[string]*permissionCacheEntry
	cacheTTL time.Duration
	now      func() time.Time
}

type permissionCacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// NewPermissionManager creates a new permission manager
func NewPermissionManager() *PermissionManager {
	return &PermissionManager{
		permissions: make(map[string]Permission),
		cache:       make(map[string]*permissionCacheEntry),
		cacheTTL:    1 * time.Minute,
		now:         time.Now,
	}
}

// ParseRight parses a right from configuration
func ParseRight(s string) (Right, error) {
	switch Right(s) {
	case RightPropose, RightVote:
		return Right(s), nil
	default:
		return "", fmt.Errorf("unknown right %q", s)
	}
}

// GrantPermission grants rights to a node, replacing any previous grant
func (pm *PermissionManager) GrantPermission(nodeID string, rights []Right, validUntil *time.Time) error {
	if nodeID == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.permissions[nodeID] = Permission{
		NodeID:     nodeID,
		Rights:     append([]Right(nil), rights...),
		ValidUntil: validUntil,
	}
	pm.clearCache()
	return nil
}

// RevokePermission removes all rights from a node
func (pm *PermissionManager) RevokePermission(nodeID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	delete(pm.permissions, nodeID)
	pm.clearCache()
}

// IsAuthorized checks if a node holds a right
func (pm *PermissionManager) IsAuthorized(nodeID string, right Right) bool {
	cacheKey := nodeID + ":" + string(right)
	now := pm.now()

	pm.mu.RLock()
	if entry, exists := pm.cache[cacheKey]; exists && now.Before(entry.expiresAt) {
		pm.mu.RUnlock()
		return entry.allowed
	}
	pm.mu.RUnlock()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	allowed := pm.check(pm.permissions[nodeID], right, now) || pm.check(pm.permissions[Wildcard], right, now)
	pm.cache[cacheKey] = &permissionCacheEntry{
		allowed:   allowed,
		expiresAt: now.Add(pm.cacheTTL),
	}
	return allowed
}

func (pm *PermissionManager) check(perm Permission, right Right, now time.Time) bool {
	if perm.ValidUntil != nil && now.After(*perm.ValidUntil) {
		return false
	}
	for _, r := range perm.Rights {
		if r == right {
			return true
		}
	}
	return false
}

// Permissions returns a snapshot of all grants
func (pm *PermissionManager) Permissions() []Permission {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]Permission, 0, len(pm.permissions))
	for _, p := range pm.permissions {
		out = append(out, p)
	}
	return out
}

func (pm *PermissionManager) clearCache() {
	pm.cache = make(map[string]*permissionCacheEntry)
}

// SetCacheTTL sets the cache TTL
func (pm *PermissionManager) SetCacheTTL(ttl time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cacheTTL = ttl
	pm.clearCache()
}

// AllowAll authorizes every node for every right.
type AllowAll struct{}

func (AllowAll) IsAuthorized(string, Right) bool { return true }
