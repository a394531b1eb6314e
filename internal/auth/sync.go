package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"warden.id/internal/obs"
)

// SyncResult reports what a synchronization changed.
type SyncResult struct {
	Service Service  `json:"service"`
	Added   []string `json:"added"`
}

// Synchronizer reconciles a service's declared permission catalog with the store. It only
// ever adds rows; permissions missing from a later declaration stay in place.
type Synchronizer struct {
	store ServiceStore
}

func NewSynchronizer(store ServiceStore) (*Synchronizer, error) {
	if store == nil {
		return nil, errors.New("service store is required")
	}
	return &Synchronizer{store: store}, nil
}

// SyncService registers the service when needed and inserts every declared permission
// that is not registered yet. Concurrent calls for the same service rely on the store's
// unique constraints; a lost insert race is not an error.
func (s *Synchronizer) SyncService(ctx context.Context, serviceTextID string, declared []string) (SyncResult, error) {
	serviceTextID = strings.TrimSpace(serviceTextID)
	v := validation{}
	v.check("service", validateTextID(serviceTextID))
	wanted := dedupeStrings(declared)
	for _, p := range wanted {
		if err := validateTextID(p); err != nil {
			v.check("permissions", fmt.Errorf("%q %v", p, err))
		}
	}
	if err := v.err(); err != nil {
		return SyncResult{}, err
	}

	svc, err := s.store.EnsureService(ctx, serviceTextID, serviceTextID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("ensure service %s: %w", serviceTextID, err)
	}

	existing, err := s.store.ListServicePermissions(ctx, svc.ID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list permissions of %s: %w", serviceTextID, err)
	}
	missing := missingTextIDs(wanted, existing)
	if len(missing) == 0 {
		return SyncResult{Service: svc, Added: []string{}}, nil
	}

	added, err := s.store.InsertPermissions(ctx, svc.ID, missing)
	if err != nil {
		return SyncResult{}, fmt.Errorf("insert permissions of %s: %w", serviceTextID, err)
	}
	if added == nil {
		added = []string{}
	}
	obs.ObservePermissionSync(serviceTextID, len(added))
	if len(added) > 0 {
		obs.Logger().Info("permissions synchronized",
			zap.String("service", serviceTextID),
			zap.Strings("added", added),
		)
	}
	return SyncResult{Service: svc, Added: added}, nil
}

// missingTextIDs returns declared − existing, keeping declaration order.
func missingTextIDs(declared []string, existing []Permission) []string {
	have := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		have[p.TextID] = struct{}{}
	}
	var out []string
	for _, d := range declared {
		if _, ok := have[d]; !ok {
			out = append(out, d)
		}
	}
	return out
}
