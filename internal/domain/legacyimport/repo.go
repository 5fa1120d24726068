package legacyimport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateKey is returned by Create methods when a record with the same
// business key was stored after the importer looked it up.
var ErrDuplicateKey = errors.New("record with this business key already exists")

// RecordStore is the record-store collaborator the importers write to. It
// is scoped to one tenant by the context it is called with. Find methods
// return (nil, nil) when nothing matches. Nothing is ever updated or
// deleted through it.
type RecordStore interface {
	FindPatientByRecordNumber(ctx context.Context, recordNumber string) (*Patient, error)
	FindPatientByAlias(ctx context.Context, alias string) (*Patient, error)
	// FindPatientsByName matches first and last name as case-insensitive
	// substrings. Either part may be empty; both empty matches nothing.
	FindPatientsByName(ctx context.Context, first, last string, limit int) ([]*Patient, error)
	CreatePatient(ctx context.Context, p *Patient) error

	FindProviderByCode(ctx context.Context, code string) (*Provider, error)
	FindProviderByNPI(ctx context.Context, npi string) (*Provider, error)
	CreateProvider(ctx context.Context, p *Provider) error

	FindDiagnosisCode(ctx context.Context, code string) (*DiagnosisCode, error)
	CreateDiagnosisCode(ctx context.Context, d *DiagnosisCode) error

	FindServiceCode(ctx context.Context, code string) (*ServiceCode, error)
	CreateServiceCode(ctx context.Context, s *ServiceCode) error

	FindInsurancePolicy(ctx context.Context, patientID uuid.UUID, payerName, policyNumber string) (*InsurancePolicy, error)
	CreateInsurancePolicy(ctx context.Context, p *InsurancePolicy) error

	FindAppointment(ctx context.Context, patientID uuid.UUID, start time.Time) (*Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error

	FindLedgerEntry(ctx context.Context, key LedgerKey) (*LedgerEntry, error)
	CreateLedgerEntry(ctx context.Context, e *LedgerEntry) error

	FindPatientFile(ctx context.Context, patientID uuid.UUID, originalName, sha256 string) (*PatientFile, error)
	AppendPatientFile(ctx context.Context, f *PatientFile) error

	FindHistoricalNote(ctx context.Context, patientID uuid.UUID, sourceFile string) (*HistoricalNote, error)
	CreateHistoricalNote(ctx context.Context, n *HistoricalNote) error
}

// LedgerKey identifies a ledger row. Several same-day rows for one patient
// stay distinct through type, code and amount.
type LedgerKey struct {
	PatientID   uuid.UUID
	PostedDate  time.Time
	EntryType   string
	Code        string
	AmountCents int64
}

func (e *LedgerEntry) Key() LedgerKey {
	return LedgerKey{
		PatientID:   e.PatientID,
		PostedDate:  e.PostedDate,
		EntryType:   e.EntryType,
		Code:        e.Code,
		AmountCents: e.AmountCents,
	}
}
