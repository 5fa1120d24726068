package legacyimport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/legacyimport/internal/platform/db"
)

// MemoryStore is a RecordStore kept in process memory, partitioned by the
// tenant in the context. It backs dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*memTenant
}

type memTenant struct {
	patients     []*Patient
	providers    []*Provider
	diagnoses    []*DiagnosisCode
	serviceCodes []*ServiceCode
	insurance    []*InsurancePolicy
	appointments []*Appointment
	ledger       []*LedgerEntry
	files        []*PatientFile
	notes        []*HistoricalNote
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*memTenant)}
}

func (s *MemoryStore) tenant(ctx context.Context) *memTenant {
	id := db.TenantFromContext(ctx)
	t, ok := s.tenants[id]
	if !ok {
		t = &memTenant{}
		s.tenants[id] = t
	}
	return t
}

func findFirst[T any](items []*T, match func(*T) bool) *T {
	for _, it := range items {
		if match(it) {
			cp := *it
			return &cp
		}
	}
	return nil
}

func stamp(id *uuid.UUID, created *time.Time) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	*created = time.Now().UTC()
}

func (s *MemoryStore) FindPatientByRecordNumber(ctx context.Context, recordNumber string) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).patients, func(p *Patient) bool { return p.RecordNumber == recordNumber }), nil
}

func (s *MemoryStore) FindPatientByAlias(ctx context.Context, alias string) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).patients, func(p *Patient) bool {
		for _, a := range p.Aliases() {
			if a == alias {
				return true
			}
		}
		return false
	}), nil
}

func (s *MemoryStore) FindPatientsByName(ctx context.Context, first, last string, limit int) ([]*Patient, error) {
	if first == "" && last == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first, last = strings.ToLower(first), strings.ToLower(last)
	var out []*Patient
	for _, p := range s.tenant(ctx).patients {
		if first != "" && !strings.Contains(strings.ToLower(p.FirstName), first) {
			continue
		}
		if last != "" && !strings.Contains(strings.ToLower(p.LastName), last) {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreatePatient(ctx context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.patients, func(x *Patient) bool { return x.RecordNumber == p.RecordNumber }) != nil {
		return ErrDuplicateKey
	}
	stamp(&p.ID, &p.CreatedAt)
	cp := *p
	t.patients = append(t.patients, &cp)
	return nil
}

func (s *MemoryStore) FindProviderByCode(ctx context.Context, code string) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).providers, func(p *Provider) bool { return p.Code == code }), nil
}

func (s *MemoryStore) FindProviderByNPI(ctx context.Context, npi string) (*Provider, error) {
	if npi == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).providers, func(p *Provider) bool { return p.NPI == npi }), nil
}

func (s *MemoryStore) CreateProvider(ctx context.Context, p *Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.providers, func(x *Provider) bool { return x.Code == p.Code }) != nil {
		return ErrDuplicateKey
	}
	stamp(&p.ID, &p.CreatedAt)
	cp := *p
	t.providers = append(t.providers, &cp)
	return nil
}

func (s *MemoryStore) FindDiagnosisCode(ctx context.Context, code string) (*DiagnosisCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).diagnoses, func(d *DiagnosisCode) bool { return d.Code == code }), nil
}

func (s *MemoryStore) CreateDiagnosisCode(ctx context.Context, d *DiagnosisCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.diagnoses, func(x *DiagnosisCode) bool { return x.Code == d.Code }) != nil {
		return ErrDuplicateKey
	}
	stamp(&d.ID, &d.CreatedAt)
	cp := *d
	t.diagnoses = append(t.diagnoses, &cp)
	return nil
}

func (s *MemoryStore) FindServiceCode(ctx context.Context, code string) (*ServiceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).serviceCodes, func(c *ServiceCode) bool { return c.Code == code }), nil
}

func (s *MemoryStore) CreateServiceCode(ctx context.Context, c *ServiceCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.serviceCodes, func(x *ServiceCode) bool { return x.Code == c.Code }) != nil {
		return ErrDuplicateKey
	}
	stamp(&c.ID, &c.CreatedAt)
	cp := *c
	t.serviceCodes = append(t.serviceCodes, &cp)
	return nil
}

func (s *MemoryStore) FindInsurancePolicy(ctx context.Context, patientID uuid.UUID, payerName, policyNumber string) (*InsurancePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).insurance, func(p *InsurancePolicy) bool {
		return p.PatientID == patientID && p.PayerName == payerName && p.PolicyNumber == policyNumber
	}), nil
}

func (s *MemoryStore) CreateInsurancePolicy(ctx context.Context, p *InsurancePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.insurance, func(x *InsurancePolicy) bool {
		return x.PatientID == p.PatientID && x.PayerName == p.PayerName && x.PolicyNumber == p.PolicyNumber
	}) != nil {
		return ErrDuplicateKey
	}
	stamp(&p.ID, &p.CreatedAt)
	cp := *p
	t.insurance = append(t.insurance, &cp)
	return nil
}

func (s *MemoryStore) FindAppointment(ctx context.Context, patientID uuid.UUID, start time.Time) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).appointments, func(a *Appointment) bool {
		return a.PatientID == patientID && a.StartTime.Equal(start)
	}), nil
}

func (s *MemoryStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.appointments, func(x *Appointment) bool {
		return x.PatientID == a.PatientID && x.StartTime.Equal(a.StartTime)
	}) != nil {
		return ErrDuplicateKey
	}
	stamp(&a.ID, &a.CreatedAt)
	cp := *a
	t.appointments = append(t.appointments, &cp)
	return nil
}

func sameLedgerKey(a, b LedgerKey) bool {
	return a.PatientID == b.PatientID && a.PostedDate.Equal(b.PostedDate) &&
		a.EntryType == b.EntryType && a.Code == b.Code && a.AmountCents == b.AmountCents
}

func (s *MemoryStore) FindLedgerEntry(ctx context.Context, key LedgerKey) (*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).ledger, func(e *LedgerEntry) bool { return sameLedgerKey(e.Key(), key) }), nil
}

func (s *MemoryStore) CreateLedgerEntry(ctx context.Context, e *LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.ledger, func(x *LedgerEntry) bool { return sameLedgerKey(x.Key(), e.Key()) }) != nil {
		return ErrDuplicateKey
	}
	stamp(&e.ID, &e.CreatedAt)
	cp := *e
	t.ledger = append(t.ledger, &cp)
	return nil
}

func (s *MemoryStore) FindPatientFile(ctx context.Context, patientID uuid.UUID, originalName, sha256 string) (*PatientFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).files, func(f *PatientFile) bool {
		return f.PatientID == patientID && f.OriginalName == originalName && f.SHA256 == sha256
	}), nil
}

func (s *MemoryStore) AppendPatientFile(ctx context.Context, f *PatientFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.files, func(x *PatientFile) bool {
		return x.PatientID == f.PatientID && x.OriginalName == f.OriginalName && x.SHA256 == f.SHA256
	}) != nil {
		return ErrDuplicateKey
	}
	stamp(&f.ID, &f.CreatedAt)
	cp := *f
	t.files = append(t.files, &cp)
	return nil
}

func (s *MemoryStore) FindHistoricalNote(ctx context.Context, patientID uuid.UUID, sourceFile string) (*HistoricalNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findFirst(s.tenant(ctx).notes, func(n *HistoricalNote) bool {
		return n.PatientID == patientID && n.SourceFile == sourceFile
	}), nil
}

func (s *MemoryStore) CreateHistoricalNote(ctx context.Context, n *HistoricalNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if findFirst(t.notes, func(x *HistoricalNote) bool {
		return x.PatientID == n.PatientID && x.SourceFile == n.SourceFile
	}) != nil {
		return ErrDuplicateKey
	}
	stamp(&n.ID, &n.CreatedAt)
	cp := *n
	t.notes = append(t.notes, &cp)
	return nil
}

// Counts reports how many records of each kind the tenant holds.
func (s *MemoryStore) Counts(ctx context.Context) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	return map[string]int{
		"patients":         len(t.patients),
		"providers":        len(t.providers),
		"diagnoses":        len(t.diagnoses),
		"service_codes":    len(t.serviceCodes),
		"insurance":        len(t.insurance),
		"appointments":     len(t.appointments),
		"ledger_entries":   len(t.ledger),
		"patient_files":    len(t.files),
		"historical_notes": len(t.notes),
	}
}

// Notes returns a copy of the tenant's historical notes.
func (s *MemoryStore) Notes(ctx context.Context) []HistoricalNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoricalNote
	for _, n := range s.tenant(ctx).notes {
		out = append(out, *n)
	}
	return out
}

// Files returns a copy of the tenant's patient file entries.
func (s *MemoryStore) Files(ctx context.Context) []PatientFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PatientFile
	for _, f := range s.tenant(ctx).files {
		out = append(out, *f)
	}
	return out
}
