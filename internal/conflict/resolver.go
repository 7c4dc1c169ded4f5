package conflict

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/state"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Policy selects how concurrent divergent versions are settled.
type Policy string

const (
	PolicyTimestampWins Policy = "timestamp_wins"
	PolicyLocalWins     Policy = "local_wins"
	PolicyRemoteWins    Policy = "remote_wins"
	PolicyManual        Policy = "manual"
)

// ParsePolicy validates a policy name.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyTimestampWins, "":
		return PolicyTimestampWins, nil
	case PolicyLocalWins:
		return PolicyLocalWins, nil
	case PolicyRemoteWins:
		return PolicyRemoteWins, nil
	case PolicyManual:
		return PolicyManual, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", raw)
	}
}

// Side picks one of the two versions of a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

var (
	errMissingStore    = errors.New("conflict: store is required")
	errMissingDeviceID = errors.New("conflict: device id is required")
	// ErrInvalidSide indicates a resolution choice other than local or remote.
	ErrInvalidSide = errors.New("conflict: invalid side")
)

// Conflict is a pair of concurrent, divergent versions of one item.
type Conflict struct {
	ID             string
	ItemType       protocol.ItemType
	ItemID         string
	Local          protocol.Item
	Remote         protocol.Item
	DetectedAt     time.Time
	OriginDeviceID string
}

// Store is the subset of the local state store the resolver writes through.
type Store interface {
	Lookup(kind protocol.ItemType, id string) (protocol.Item, bool)
	Commit(item protocol.Item, commitState state.CommitState) (protocol.Item, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Store    Store
	DeviceID string
	Policy   Policy
	Clock    func() time.Time
	Entropy  io.Reader
	Logger   *zap.Logger
}

// Outcome reports what Reconcile did with a remote version.
type Outcome struct {
	Decision Decision
	// Item is the version stored locally after reconciliation, if any was written.
	Item protocol.Item
	// Conflict is set when the versions are waiting for a manual decision.
	Conflict *Conflict
	// Created is true when Conflict was opened by this call.
	Created bool
}

type itemKey struct {
	kind protocol.ItemType
	id   string
}

// Resolver applies remote versions to the store and keeps unresolved conflicts.
type Resolver struct {
	mu       sync.Mutex
	store    Store
	deviceID string
	policy   Policy
	clock    func() time.Time
	entropy  io.Reader
	logger   *zap.Logger
	pending  map[string]*Conflict
	byItem   map[itemKey]string
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errMissingDeviceID
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyTimestampWins
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	entropy := cfg.Entropy
	if entropy == nil {
		entropy = ulid.Monotonic(rand.Reader, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    cfg.Store,
		deviceID: cfg.DeviceID,
		policy:   policy,
		clock:    clock,
		entropy:  entropy,
		logger:   logger,
		pending:  make(map[string]*Conflict),
		byItem:   make(map[itemKey]string),
	}, nil
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Reconcile decides how remote, received from origin, affects the local version and
// writes the result through to the store.
func (r *Resolver) Reconcile(remote protocol.Item, origin string) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := itemKey{kind: remote.ItemType(), id: remote.ItemID()}
	local, found := r.store.Lookup(key.kind, key.id)
	if !found {
		local = nil
	}
	decision := Detect(local, remote)

	switch decision {
	case DecisionApply:
		stored, err := r.store.Commit(remote, state.CommitCommitted)
		if err != nil {
			return Outcome{}, err
		}
		r.forgetLocked(key)
		return Outcome{Decision: decision, Item: stored}, nil
	case DecisionIgnore:
		return Outcome{Decision: decision}, nil
	case DecisionMerge:
		stored, err := r.commitWithMergedVersion(local, local, remote)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: decision, Item: stored}, nil
	}

	if r.policy != PolicyManual {
		winner := r.pickWinner(local, remote)
		stored, err := r.commitWithMergedVersion(winner, local, remote)
		if err != nil {
			return Outcome{}, err
		}
		r.logger.Info("conflict resolved automatically",
			zap.String("policy", string(r.policy)),
			zap.String("item_type", string(key.kind)),
			zap.String("item_id", key.id),
			zap.String("winner", stored.SyncMeta().ModifiedBy))
		return Outcome{Decision: decision, Item: stored}, nil
	}

	if id, ok := r.byItem[key]; ok {
		existing := r.pending[id]
		existing.Remote = remote
		existing.OriginDeviceID = origin
		snapshot := *existing
		return Outcome{Decision: decision, Conflict: &snapshot}, nil
	}

	detectedAt := r.clock().UTC()
	id, err := ulid.New(ulid.Timestamp(detectedAt), r.entropy)
	if err != nil {
		return Outcome{}, fmt.Errorf("conflict id: %w", err)
	}
	record := &Conflict{
		ID:             id.String(),
		ItemType:       key.kind,
		ItemID:         key.id,
		Local:          local,
		Remote:         remote,
		DetectedAt:     detectedAt,
		OriginDeviceID: origin,
	}
	r.pending[record.ID] = record
	r.byItem[key] = record.ID
	r.logger.Info("conflict awaiting resolution",
		zap.String("conflict_id", record.ID),
		zap.String("item_type", string(key.kind)),
		zap.String("item_id", key.id),
		zap.String("origin", origin))
	snapshot := *record
	return Outcome{Decision: decision, Conflict: &snapshot, Created: true}, nil
}

// Resolve settles a pending conflict with the chosen side and returns the stored
// version, which callers must propagate to peers. Unknown or already resolved ids
// return false without error.
func (r *Resolver) Resolve(conflictID string, side Side) (protocol.Item, bool, error) {
	if side != SideLocal && side != SideRemote {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.pending[conflictID]
	if !ok {
		return nil, false, nil
	}
	chosen := record.Local
	if side == SideRemote {
		chosen = record.Remote
	}

	version := record.Local.SyncMeta().Version.Merge(record.Remote.SyncMeta().Version)
	if current, found := r.store.Lookup(record.ItemType, record.ItemID); found {
		version = version.Merge(current.SyncMeta().Version)
	}
	resolved := chosen.WithMeta(protocol.Meta{
		LastModified: r.clock().UTC(),
		ModifiedBy:   r.deviceID,
		Version:      version.Increment(r.deviceID),
	})
	stored, err := r.store.Commit(resolved, state.CommitPending)
	if err != nil {
		return nil, false, err
	}
	r.forgetLocked(itemKey{kind: record.ItemType, id: record.ItemID})
	r.logger.Info("conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("side", string(side)))
	return stored, true, nil
}

// Discard drops any pending conflict for an item that was deleted.
func (r *Resolver) Discard(kind protocol.ItemType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgetLocked(itemKey{kind: kind, id: id})
}

// Pending returns unresolved conflicts in detection order.
func (r *Resolver) Pending() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	conflicts := make([]Conflict, 0, len(r.pending))
	for _, record := range r.pending {
		conflicts = append(conflicts, *record)
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ID < conflicts[j].ID })
	return conflicts
}

func (r *Resolver) forgetLocked(key itemKey) {
	if id, ok := r.byItem[key]; ok {
		delete(r.pending, id)
		delete(r.byItem, key)
	}
}

func (r *Resolver) pickWinner(local, remote protocol.Item) protocol.Item {
	switch r.policy {
	case PolicyLocalWins:
		return local
	case PolicyRemoteWins:
		return remote
	}
	localMeta, remoteMeta := local.SyncMeta(), remote.SyncMeta()
	if remoteMeta.LastModified.After(localMeta.LastModified) {
		return remote
	}
	if remoteMeta.LastModified.Equal(localMeta.LastModified) && remoteMeta.ModifiedBy > localMeta.ModifiedBy {
		return remote
	}
	return local
}

func (r *Resolver) commitWithMergedVersion(winner, local, remote protocol.Item) (protocol.Item, error) {
	meta := winner.SyncMeta()
	meta.Version = local.SyncMeta().Version.Merge(remote.SyncMeta().Version)
	return r.store.Commit(winner.WithMeta(meta), state.CommitCommitted)
}
