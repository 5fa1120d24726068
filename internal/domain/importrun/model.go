package importrun

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a run in this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Entity names a per-entity counter on the run.
type Entity string

const (
	EntityPatient         Entity = "patients"
	EntityProvider        Entity = "providers"
	EntityInsurance       Entity = "insurance"
	EntityDiagnosis       Entity = "diagnoses"
	EntityServiceCode     Entity = "service_codes"
	EntityAppointment     Entity = "appointments"
	EntityLedger          Entity = "ledger_entries"
	EntityChartNote       Entity = "chart_notes"
	EntityScannedDocument Entity = "scanned_documents"
	EntityHistoricalNote  Entity = "historical_notes"
)

// Issue categories recorded on a run.
const (
	CategoryUnrecognizedContent = "unrecognized_content"
	CategoryUnrecognizedTable   = "unrecognized_table"
	CategoryMissingFile         = "missing_file"
	CategoryParseError          = "parse_error"
	CategoryValidation          = "validation"
	CategoryInvalidValue        = "invalid_value"
	CategoryPatientNotFound     = "patient_not_found"
	CategoryStoreError          = "store_error"
	CategoryDuplicate           = "duplicate"
	CategoryLargeDataset        = "large_dataset"
	CategoryMemoryLimit         = "memory_limit"
	CategoryMissingPatient      = "missing_patient"
	CategoryAmbiguousMatch      = "ambiguous_match"
	CategoryAttachmentFailed    = "attachment_failed"
	CategoryNoteTooLarge        = "note_too_large"
	CategoryCancelled           = "cancelled"
	CategoryExtraction          = "extraction_failed"
)

// Issue is one recorded error, duplicate or warning. Row is 1-based and
// zero when the issue is not tied to a row.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Row      int    `json:"row,omitempty"`
	Key      string `json:"key,omitempty"`
}

type Summary struct {
	TotalProcessed int `json:"total_processed"`
	Success        int `json:"success"`
	Errors         int `json:"errors"`
	Duplicates     int `json:"duplicates"`
	Skipped        int `json:"skipped"`
}

// Run is the persisted record of one import invocation. It is mutated only
// through its methods, which become no-ops once the run is terminal.
type Run struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	TenantID       string         `db:"tenant_id" json:"tenant_id"`
	SourceFileName string         `db:"source_file_name" json:"source_file_name"`
	SourceSize     int64          `db:"source_size" json:"source_size"`
	ArchiveType    string         `db:"archive_type" json:"archive_type"`
	Status         Status         `db:"status" json:"status"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	Summary        Summary        `db:"summary" json:"summary"`
	EntityCounts   map[Entity]int `db:"entity_counts" json:"entity_counts"`
	Errors         []Issue        `db:"errors" json:"errors"`
	Duplicates     []Issue        `db:"duplicates" json:"duplicates"`
	Warnings       []Issue        `db:"warnings" json:"warnings"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// New returns a pending run for the given source.
func New(tenantID, sourceFileName string, sourceSize int64, archiveType string) *Run {
	return &Run{
		ID:             uuid.New(),
		TenantID:       tenantID,
		SourceFileName: sourceFileName,
		SourceSize:     sourceSize,
		ArchiveType:    archiveType,
		Status:         StatusPending,
		EntityCounts:   make(map[Entity]int),
		CreatedAt:      time.Now().UTC(),
	}
}

func (r *Run) frozen() bool { return r.Status.Terminal() }

func (r *Run) Start() {
	if r.frozen() || r.Status == StatusProcessing {
		return
	}
	now := time.Now().UTC()
	r.StartedAt = &now
	r.Status = StatusProcessing
}

func (r *Run) RecordSuccess(e Entity) {
	if r.frozen() {
		return
	}
	if r.EntityCounts == nil {
		r.EntityCounts = make(map[Entity]int)
	}
	r.Summary.TotalProcessed++
	r.Summary.Success++
	r.EntityCounts[e]++
}

func (r *Run) RecordError(issue Issue) {
	if r.frozen() {
		return
	}
	r.Summary.TotalProcessed++
	r.Summary.Errors++
	r.Errors = append(r.Errors, issue)
}

// RecordFatal keeps the error that ends the run. It is not an item, so
// TotalProcessed is unchanged.
func (r *Run) RecordFatal(issue Issue) {
	if r.frozen() {
		return
	}
	r.Summary.Errors++
	r.Errors = append(r.Errors, issue)
}

func (r *Run) RecordDuplicate(issue Issue) {
	if r.frozen() {
		return
	}
	if issue.Category == "" {
		issue.Category = CategoryDuplicate
	}
	r.Summary.TotalProcessed++
	r.Summary.Duplicates++
	r.Duplicates = append(r.Duplicates, issue)
}

// RecordSkip counts an item that was looked at but deliberately not
// imported, and keeps the reason as a warning.
func (r *Run) RecordSkip(issue Issue) {
	if r.frozen() {
		return
	}
	r.Summary.TotalProcessed++
	r.Summary.Skipped++
	r.Warnings = append(r.Warnings, issue)
}

// Warn records an issue without touching any counter.
func (r *Run) Warn(issue Issue) {
	if r.frozen() {
		return
	}
	r.Warnings = append(r.Warnings, issue)
}

// Finish moves the run to a terminal status. Non-terminal statuses are
// treated as failed.
func (r *Run) Finish(status Status) {
	if r.frozen() {
		return
	}
	if !status.Terminal() {
		status = StatusFailed
	}
	now := time.Now().UTC()
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.FinishedAt = &now
	r.Status = status
}

// Duration is zero until the run has both started and finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// HasWarning reports whether a warning with the category was recorded.
func (r *Run) HasWarning(category string) bool {
	for _, w := range r.Warnings {
		if w.Category == category {
			return true
		}
	}
	return false
}

// Report is the caller-facing view of a run with issue lists capped.
type Report struct {
	ID              uuid.UUID      `json:"id"`
	Status          Status         `json:"status"`
	SourceFileName  string         `json:"source_file_name"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	Summary         Summary        `json:"summary"`
	EntityCounts    map[Entity]int `json:"entity_counts"`
	Errors          []Issue        `json:"errors"`
	Duplicates      []Issue        `json:"duplicates"`
	Warnings        []Issue        `json:"warnings"`
	TotalErrors     int            `json:"total_errors"`
	TotalDuplicates int            `json:"total_duplicates"`
	TotalWarnings   int            `json:"total_warnings"`
}

// Report returns the first limit entries of each issue list. limit <= 0
// returns everything.
func (r *Run) Report(limit int) Report {
	counts := make(map[Entity]int, len(r.EntityCounts))
	for k, v := range r.EntityCounts {
		counts[k] = v
	}
	return Report{
		ID:              r.ID,
		Status:          r.Status,
		SourceFileName:  r.SourceFileName,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		DurationMS:      r.Duration().Milliseconds(),
		Summary:         r.Summary,
		EntityCounts:    counts,
		Errors:          capIssues(r.Errors, limit),
		Duplicates:      capIssues(r.Duplicates, limit),
		Warnings:        capIssues(r.Warnings, limit),
		TotalErrors:     len(r.Errors),
		TotalDuplicates: len(r.Duplicates),
		TotalWarnings:   len(r.Warnings),
	}
}

func capIssues(issues []Issue, limit int) []Issue {
	if limit > 0 && len(issues) > limit {
		issues = issues[:limit]
	}
	out := make([]Issue, len(issues))
	copy(out, issues)
	return out
}
