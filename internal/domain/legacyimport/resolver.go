package legacyimport

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// patientIndex maps every record number and legacy alias seen in the
// current run to the patient it identifies. It is filled by the patient
// importer on create and on duplicate detection.
type patientIndex struct {
	ids map[string]uuid.UUID
}

func newPatientIndex() *patientIndex {
	return &patientIndex{ids: make(map[string]uuid.UUID)}
}

func (x *patientIndex) remember(id uuid.UUID, keys ...string) {
	for _, k := range keys {
		if k != "" {
			x.ids[k] = id
		}
	}
}

func (x *patientIndex) lookup(key string) (uuid.UUID, bool) {
	id, ok := x.ids[key]
	return id, ok
}

// resolveTier is one step of patient resolution by key.
type resolveTier struct {
	Name string
	Find func(ctx context.Context, s *session, key string) (uuid.UUID, bool, error)
}

// patientTiers are tried in order for every key before moving to the next
// tier, so an exact in-run hit on any key beats a store hit on the first.
var patientTiers = []resolveTier{
	{"run_index", func(_ context.Context, s *session, key string) (uuid.UUID, bool, error) {
		id, ok := s.index.lookup(key)
		return id, ok, nil
	}},
	{"record_number", func(ctx context.Context, s *session, key string) (uuid.UUID, bool, error) {
		p, err := s.store.FindPatientByRecordNumber(ctx, key)
		if err != nil || p == nil {
			return uuid.Nil, false, err
		}
		return p.ID, true, nil
	}},
	{"alias", func(ctx context.Context, s *session, key string) (uuid.UUID, bool, error) {
		p, err := s.store.FindPatientByAlias(ctx, key)
		if err != nil || p == nil {
			return uuid.Nil, false, err
		}
		return p.ID, true, nil
	}},
}

// resolvePatient finds the patient identified by any of keys. Store hits
// are cached in the run index.
func (s *session) resolvePatient(ctx context.Context, keys ...string) (uuid.UUID, bool, error) {
	for _, tier := range patientTiers {
		for _, k := range keys {
			if k == "" {
				continue
			}
			id, ok, err := tier.Find(ctx, s, k)
			if err != nil {
				return uuid.Nil, false, fmt.Errorf("resolve patient by %s: %w", tier.Name, err)
			}
			if ok {
				s.index.remember(id, k)
				return id, true, nil
			}
		}
	}
	return uuid.Nil, false, nil
}

// nameMatchLimit bounds the name-tier lookup; two hits already make the
// match ambiguous.
const nameMatchLimit = 2

// resolveByName is the lowest tier: case-insensitive substring match on a
// name pair, tried as both last/first and first/last. It returns every
// distinct patient found.
func (s *session) resolveByName(ctx context.Context, a, b string) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, pair := range [][2]string{{b, a}, {a, b}} {
		patients, err := s.store.FindPatientsByName(ctx, pair[0], pair[1], nameMatchLimit)
		if err != nil {
			return nil, fmt.Errorf("resolve patient by name: %w", err)
		}
		for _, p := range patients {
			if !seen[p.ID] {
				seen[p.ID] = true
				ids = append(ids, p.ID)
			}
		}
	}
	return ids, nil
}
