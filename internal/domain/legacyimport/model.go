package legacyimport

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/legacyimport/internal/domain/importrun"
)

// EntityType is a kind of record a tabular row can become.
type EntityType string

const (
	EntityPatient     EntityType = "patient"
	EntityProvider    EntityType = "provider"
	EntityInsurance   EntityType = "insurance"
	EntityDiagnosis   EntityType = "diagnosis"
	EntityServiceCode EntityType = "service_code"
	EntityAppointment EntityType = "appointment"
	EntityLedger      EntityType = "ledger"
)

// tabularOrder is the order entity tables are imported in. Patients precede
// everything that resolves a patient reference.
var tabularOrder = []EntityType{
	EntityProvider,
	EntityDiagnosis,
	EntityServiceCode,
	EntityPatient,
	EntityInsurance,
	EntityAppointment,
	EntityLedger,
}

var runEntities = map[EntityType]importrun.Entity{
	EntityPatient:     importrun.EntityPatient,
	EntityProvider:    importrun.EntityProvider,
	EntityInsurance:   importrun.EntityInsurance,
	EntityDiagnosis:   importrun.EntityDiagnosis,
	EntityServiceCode: importrun.EntityServiceCode,
	EntityAppointment: importrun.EntityAppointment,
	EntityLedger:      importrun.EntityLedger,
}

// ParseEntityType accepts the entity name or its run counter name
// ("patient" or "patients").
func ParseEntityType(s string) (EntityType, bool) {
	for e, re := range runEntities {
		if s == string(e) || s == string(re) {
			return e, true
		}
	}
	return "", false
}

// Category is a dataset class inside a legacy export archive.
type Category string

const (
	CategoryTables           Category = "tables"
	CategoryLedger           Category = "ledger"
	CategoryScannedDocuments Category = "scanned_documents"
	CategoryChartNotes       Category = "chart_notes"
)

// CanonicalRow is a tabular row after field mapping. Fields holds every
// canonical field of the entity, empty when the source had no value.
type CanonicalRow struct {
	Entity EntityType
	Fields map[string]string
	File   string
	Row    int
}

func (r CanonicalRow) Get(field string) string { return r.Fields[field] }

// issue builds a run issue located at this row.
func (r CanonicalRow) issue(category, message, key string) importrun.Issue {
	return importrun.Issue{Category: category, Message: message, File: r.File, Row: r.Row, Key: key}
}

type Patient struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	RecordNumber        string     `db:"record_number" json:"record_number"`
	FirstName           string     `db:"first_name" json:"first_name"`
	LastName            string     `db:"last_name" json:"last_name"`
	MiddleName          string     `db:"middle_name" json:"middle_name,omitempty"`
	BirthDate           *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender              string     `db:"gender" json:"gender,omitempty"`
	Phone               string     `db:"phone" json:"phone,omitempty"`
	Email               string     `db:"email" json:"email,omitempty"`
	AddressLine1        string     `db:"address_line1" json:"address_line1,omitempty"`
	AddressLine2        string     `db:"address_line2" json:"address_line2,omitempty"`
	City                string     `db:"city" json:"city,omitempty"`
	State               string     `db:"state" json:"state,omitempty"`
	PostalCode          string     `db:"postal_code" json:"postal_code,omitempty"`
	LegacyAccountNumber string     `db:"legacy_account_number" json:"legacy_account_number,omitempty"`
	LegacyPatientID     string     `db:"legacy_patient_id" json:"legacy_patient_id,omitempty"`
	LegacyClientID      string     `db:"legacy_client_id" json:"legacy_client_id,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}

// Aliases returns the non-empty legacy identifiers stored on the patient.
func (p *Patient) Aliases() []string {
	var out []string
	for _, a := range []string{p.LegacyAccountNumber, p.LegacyPatientID, p.LegacyClientID} {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

type Provider struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	NPI         string    `db:"npi" json:"npi,omitempty"`
	FirstName   string    `db:"first_name" json:"first_name,omitempty"`
	LastName    string    `db:"last_name" json:"last_name,omitempty"`
	Credentials string    `db:"credentials" json:"credentials,omitempty"`
	Specialty   string    `db:"specialty" json:"specialty,omitempty"`
	Phone       string    `db:"phone" json:"phone,omitempty"`
	Email       string    `db:"email" json:"email,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type DiagnosisCode struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	Description string    `db:"description" json:"description,omitempty"`
	CodeSystem  string    `db:"code_system" json:"code_system,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type ServiceCode struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	Description string    `db:"description" json:"description,omitempty"`
	FeeCents    *int64    `db:"fee" json:"fee_cents,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type InsurancePolicy struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	PayerName      string     `db:"payer_name" json:"payer_name"`
	PolicyNumber   string     `db:"policy_number" json:"policy_number,omitempty"`
	GroupNumber    string     `db:"group_number" json:"group_number,omitempty"`
	SubscriberName string     `db:"subscriber_name" json:"subscriber_name,omitempty"`
	Relationship   string     `db:"relationship" json:"relationship,omitempty"`
	Priority       string     `db:"priority" json:"priority,omitempty"`
	EffectiveDate  *time.Time `db:"effective_date" json:"effective_date,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

type Appointment struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	ProviderID  *uuid.UUID `db:"provider_id" json:"provider_id,omitempty"`
	StartTime   time.Time  `db:"start_time" json:"start_time"`
	DurationMin *int       `db:"duration_min" json:"duration_min,omitempty"`
	Status      string     `db:"status" json:"status,omitempty"`
	Reason      string     `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

type LedgerEntry struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	PostedDate  time.Time  `db:"posted_date" json:"posted_date"`
	EntryType   string     `db:"entry_type" json:"entry_type,omitempty"`
	Code        string     `db:"code" json:"code,omitempty"`
	Description string     `db:"description" json:"description,omitempty"`
	AmountCents int64      `db:"amount_cents" json:"amount_cents"`
	ProviderID  *uuid.UUID `db:"provider_id" json:"provider_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// PatientFile is one entry of a patient's document list.
type PatientFile struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    uuid.UUID `db:"patient_id" json:"patient_id"`
	OriginalName string    `db:"original_name" json:"original_name"`
	StoredName   string    `db:"stored_name" json:"stored_name"`
	Category     string    `db:"category" json:"category"`
	UploadedBy   string    `db:"uploaded_by" json:"uploaded_by"`
	Description  string    `db:"description" json:"description,omitempty"`
	ContentType  string    `db:"content_type" json:"content_type"`
	Size         int64     `db:"size_bytes" json:"size"`
	SHA256       string    `db:"sha256" json:"sha256"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// NoteTypeHistoricalImport marks notes reconstructed from legacy chart
// files, kept apart from notes authored in the live record.
const NoteTypeHistoricalImport = "historical_import"

type HistoricalNote struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	SourceFile   string     `db:"source_file" json:"source_file"`
	NoteType     string     `db:"note_type" json:"note_type"`
	VisitDate    *time.Time `db:"visit_date" json:"visit_date,omitempty"`
	ProviderName string     `db:"provider_name" json:"provider_name,omitempty"`
	Subjective   string     `db:"subjective" json:"subjective"`
	Objective    string     `db:"objective" json:"objective"`
	Assessment   string     `db:"assessment" json:"assessment"`
	Plan         string     `db:"plan" json:"plan"`
	PainScale    *int       `db:"pain_scale" json:"pain_scale,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}
