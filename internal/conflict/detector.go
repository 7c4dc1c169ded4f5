// Package conflict decides how a remote version of an item relates to the local one
// and settles concurrent edits.
package conflict

import (
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Decision is the outcome of comparing a remote version with the local one.
type Decision int

const (
	// DecisionApply means the remote version supersedes the local one.
	DecisionApply Decision = iota
	// DecisionIgnore means the remote version is stale or a duplicate.
	DecisionIgnore
	// DecisionMerge means the versions are concurrent but carry the same content.
	DecisionMerge
	// DecisionConflict means the versions are concurrent and diverge.
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionIgnore:
		return "ignore"
	case DecisionMerge:
		return "merge"
	default:
		return "conflict"
	}
}

// Fields that change on every visit or focus are not edits.
var contentOptions = []cmp.Option{
	cmpopts.IgnoreFields(protocol.Tab{}, "LastAccessed", "DeviceID", "Meta"),
	cmpopts.IgnoreFields(protocol.Password{}, "LastUpdated", "LastUsed", "Meta"),
	cmpopts.IgnoreFields(protocol.HistoryItem{}, "VisitTime", "VisitCount", "DeviceID", "Meta"),
	cmpopts.EquateEmpty(),
}

// SameContent reports whether two versions differ only in volatile fields.
func SameContent(left, right protocol.Item) bool {
	return cmp.Equal(left, right, contentOptions...)
}

// Detect compares the remote version of an item with the local one. A nil local
// means the item is new to this device.
func Detect(local, remote protocol.Item) Decision {
	if local == nil {
		return DecisionApply
	}
	localMeta, remoteMeta := local.SyncMeta(), remote.SyncMeta()

	if localMeta.Version.IsZero() || remoteMeta.Version.IsZero() {
		if remoteMeta.LastModified.After(localMeta.LastModified) {
			return DecisionApply
		}
		return DecisionIgnore
	}

	switch remoteMeta.Version.Compare(localMeta.Version) {
	case protocol.OrderingAfter:
		return DecisionApply
	case protocol.OrderingBefore, protocol.OrderingEqual:
		return DecisionIgnore
	default:
		if SameContent(local, remote) {
			return DecisionMerge
		}
		return DecisionConflict
	}
}
