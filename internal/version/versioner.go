// Package version tracks entity history: canonical byte encodings,
// SHA-256 checksums, and structural diffs between snapshots. Identical
// canonical bytes write no new version.
package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
)

// volatileFields are sync bookkeeping excluded from the canonical
// encoding, so re-extracting unchanged content is a no-op.
var volatileFields = map[string]bool{
	"id":             true,
	"sync_status":    true,
	"last_sync_time": true,
	"created_at":     true,
	"updated_at":     true,
	"product_count":  true,
}

// Versioner appends version records through the persistence port.
type Versioner struct {
	store  storage.Store
	author string
}

// New creates a versioner writing as the given author.
func New(store storage.Store, author string) *Versioner {
	if author == "" {
		author = "system"
	}
	return &Versioner{store: store, author: author}
}

// Canonicalize produces the canonical byte encoding of an entity:
// JSON with sorted keys and volatile fields removed.
func Canonicalize(entity interface{}) ([]byte, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	for field := range volatileFields {
		delete(m, field)
	}
	// json.Marshal sorts map keys, giving a stable encoding
	canonical, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize entity: %w", err)
	}
	return canonical, nil
}

// Checksum is the hex SHA-256 of canonical bytes.
func Checksum(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Record compares the entity against its latest version and appends a
// new version when the canonical bytes changed. Returns the written
// record, or nil when nothing changed. CREATE, DELETE and RESTORE are
// recorded even when the diff is trivial.
func (v *Versioner) Record(ctx context.Context, entityType types.EntityType, entityID string, entity interface{}, kind types.ChangeKind) (*models.VersionRecord, error) {
	canonical, err := Canonicalize(entity)
	if err != nil {
		return nil, err
	}
	checksum := Checksum(canonical)

	prev, err := v.store.LatestVersion(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	if prev == nil {
		// First history entry: an update is recorded as CREATE; DELETE
		// and RESTORE keep their own kind
		if kind == types.ChangeUpdate {
			kind = types.ChangeCreate
		}
	} else if kind == types.ChangeUpdate && prev.Checksum == checksum {
		// Byte-identical canonical form: no new version
		return nil, nil
	}

	record := &models.VersionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		ChangeKind: kind,
		Author:     v.author,
		Checksum:   checksum,
		Snapshot:   canonical,
	}

	if prev != nil {
		diff, err := Diff(prev.Snapshot, canonical)
		if err != nil {
			return nil, err
		}
		record.Diff = diff
	}

	if err := v.store.AppendVersion(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Diff computes the structural difference between two canonical
// snapshots: added, removed and modified keys with before/after
// values.
func Diff(before, after []byte) (*models.VersionDiff, error) {
	var prev, next map[string]interface{}
	if err := json.Unmarshal(before, &prev); err != nil {
		return nil, fmt.Errorf("failed to decode previous snapshot: %w", err)
	}
	if err := json.Unmarshal(after, &next); err != nil {
		return nil, fmt.Errorf("failed to decode next snapshot: %w", err)
	}

	diff := &models.VersionDiff{}

	keys := make(map[string]bool, len(prev)+len(next))
	for k := range prev {
		keys[k] = true
	}
	for k := range next {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		pv, inPrev := prev[k]
		nv, inNext := next[k]
		switch {
		case !inPrev:
			diff.Added = append(diff.Added, models.FieldChange{Field: k, After: nv})
		case !inNext:
			diff.Removed = append(diff.Removed, models.FieldChange{Field: k, Before: pv})
		case !reflect.DeepEqual(pv, nv):
			diff.Modified = append(diff.Modified, models.FieldChange{Field: k, Before: pv, After: nv})
		}
	}
	return diff, nil
}
