package legacyimport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/legacyimport/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// storePG is the RecordStore backed by the tenant schema selected on the
// connection in the context.
type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) RecordStore { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// insertErr maps unique violations to ErrDuplicateKey.
func insertErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

func newID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

// likePattern builds a case-insensitive substring pattern for ILIKE.
func likePattern(s string) string {
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + s + "%"
}

// -- Patient --

const patientCols = `id, record_number, COALESCE(first_name,''), COALESCE(last_name,''), COALESCE(middle_name,''),
	birth_date, COALESCE(gender,''), COALESCE(phone,''), COALESCE(email,''), COALESCE(address_line1,''),
	COALESCE(address_line2,''), COALESCE(city,''), COALESCE(state,''), COALESCE(postal_code,''),
	COALESCE(legacy_account_number,''), COALESCE(legacy_patient_id,''), COALESCE(legacy_client_id,''), created_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.RecordNumber, &p.FirstName, &p.LastName, &p.MiddleName,
		&p.BirthDate, &p.Gender, &p.Phone, &p.Email, &p.AddressLine1,
		&p.AddressLine2, &p.City, &p.State, &p.PostalCode,
		&p.LegacyAccountNumber, &p.LegacyPatientID, &p.LegacyClientID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// findOne runs a single-row lookup and maps no rows to (nil, nil).
func findOne[T any](row pgx.Row, scan func(pgx.Row) (*T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (r *storePG) FindPatientByRecordNumber(ctx context.Context, recordNumber string) (*Patient, error) {
	return findOne(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE record_number = $1`, recordNumber), scanPatient)
}

func (r *storePG) FindPatientByAlias(ctx context.Context, alias string) (*Patient, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient
		WHERE legacy_account_number = $1 OR legacy_patient_id = $1 OR legacy_client_id = $1
		ORDER BY created_at LIMIT 1`, alias), scanPatient)
}

func (r *storePG) FindPatientsByName(ctx context.Context, first, last string, limit int) ([]*Patient, error) {
	if first == "" && last == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient
		WHERE ($1 = '' OR first_name ILIKE $2) AND ($3 = '' OR last_name ILIKE $4)
		ORDER BY last_name, first_name LIMIT $5`,
		first, likePattern(first), last, likePattern(last), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *storePG) CreatePatient(ctx context.Context, p *Patient) error {
	newID(&p.ID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, record_number, first_name, last_name, middle_name, birth_date, gender,
			phone, email, address_line1, address_line2, city, state, postal_code,
			legacy_account_number, legacy_patient_id, legacy_client_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at`,
		p.ID, p.RecordNumber, p.FirstName, p.LastName, p.MiddleName, p.BirthDate, p.Gender,
		p.Phone, p.Email, p.AddressLine1, p.AddressLine2, p.City, p.State, p.PostalCode,
		p.LegacyAccountNumber, p.LegacyPatientID, p.LegacyClientID,
	).Scan(&p.CreatedAt)
	return insertErr(err)
}

// -- Provider --

const providerCols = `id, code, COALESCE(npi,''), COALESCE(first_name,''), COALESCE(last_name,''),
	COALESCE(credentials,''), COALESCE(specialty,''), COALESCE(phone,''), COALESCE(email,''), created_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	if err := row.Scan(&p.ID, &p.Code, &p.NPI, &p.FirstName, &p.LastName,
		&p.Credentials, &p.Specialty, &p.Phone, &p.Email, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *storePG) FindProviderByCode(ctx context.Context, code string) (*Provider, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `SELECT `+providerCols+` FROM provider WHERE code = $1`, code), scanProvider)
}

func (r *storePG) FindProviderByNPI(ctx context.Context, npi string) (*Provider, error) {
	if npi == "" {
		return nil, nil
	}
	return findOne(r.conn(ctx).QueryRow(ctx,
		`SELECT `+providerCols+` FROM provider WHERE npi = $1 ORDER BY created_at LIMIT 1`, npi), scanProvider)
}

func (r *storePG) CreateProvider(ctx context.Context, p *Provider) error {
	newID(&p.ID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO provider (id, code, npi, first_name, last_name, credentials, specialty, phone, email)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING created_at`,
		p.ID, p.Code, p.NPI, p.FirstName, p.LastName, p.Credentials, p.Specialty, p.Phone, p.Email,
	).Scan(&p.CreatedAt)
	return insertErr(err)
}

// -- Codes --

func scanDiagnosis(row pgx.Row) (*DiagnosisCode, error) {
	var d DiagnosisCode
	if err := row.Scan(&d.ID, &d.Code, &d.Description, &d.CodeSystem, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *storePG) FindDiagnosisCode(ctx context.Context, code string) (*DiagnosisCode, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `
		SELECT id, code, COALESCE(description,''), COALESCE(code_system,''), created_at
		FROM diagnosis_code WHERE code = $1`, code), scanDiagnosis)
}

func (r *storePG) CreateDiagnosisCode(ctx context.Context, d *DiagnosisCode) error {
	newID(&d.ID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO diagnosis_code (id, code, description, code_system)
		VALUES ($1,$2,$3,$4) RETURNING created_at`,
		d.ID, d.Code, d.Description, d.CodeSystem,
	).Scan(&d.CreatedAt)
	return insertErr(err)
}

func scanServiceCode(row pgx.Row) (*ServiceCode, error) {
	var c ServiceCode
	if err := row.Scan(&c.ID, &c.Code, &c.Description, &c.FeeCents, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Fees are stored as NUMERIC dollars and carried as cents.
func (r *storePG) FindServiceCode(ctx context.Context, code string) (*ServiceCode, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `
		SELECT id, code, COALESCE(description,''), (fee * 100)::bigint, created_at
		FROM service_code WHERE code = $1`, code), scanServiceCode)
}

func (r *storePG) CreateServiceCode(ctx context.Context, c *ServiceCode) error {
	newID(&c.ID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_code (id, code, description, fee)
		VALUES ($1,$2,$3,$4::bigint / 100.0) RETURNING created_at`,
		c.ID, c.Code, c.Description, c.FeeCents,
	).Scan(&c.CreatedAt)
	return insertErr(err)
}

// -- Dependent records --

func (r *storePG) FindInsurancePolicy(ctx context.Context, patientID uuid.UUID, payerName, policyNumber string) (*InsurancePolicy, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, payer_name, policy_number, COALESCE(group_number,''), COALESCE(subscriber_name,''),
			COALESCE(relationship,''), COALESCE(priority,''), effective_date, created_at
		FROM insurance_policy WHERE patient_id = $1 AND payer_name = $2 AND policy_number = $3`,
		patientID, payerName, policyNumber), func(row pgx.Row) (*InsurancePolicy, error) {
		var p InsurancePolicy
		if err := row.Scan(&p.ID, &p.PatientID, &p.PayerName, &p.PolicyNumber, &p.GroupNumber, &p.SubscriberName,
			&p.Relationship, &p.Priority, &p.EffectiveDate, &p.CreatedAt); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

func (r *storePG) CreateInsurancePolicy(ctx context.Context, p *InsurancePolicy) error {
	newID(&p.ID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO insurance_policy (id, patient_id, payer_name, policy_number, group_number,
			subscriber_name, relationship, priority, effective_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING created_at`,
		p.ID, p.PatientID, p.PayerName, p.PolicyNumber, p.GroupNumber,
		p.SubscriberName, p.Relationship, p.Priority, p.EffectiveDate,
	).Scan(&p.CreatedAt)
	return insertErr(err)
}

func (r *storePG) FindAppointment(ctx context.Context, patientID uuid.UUID, start time.Time) (*Appointment, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, provider_id, start_time, duration_min, COALESCE(status,''), COALESCE(reason,''), created_at
		FROM appointment WHERE patient_id = $1 AND start_time = $2`,
		patientID, start), func(row pgx.Row) (*Appointment, error) {
		var a Appointment
		if err := row.Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.StartTime, &a.DurationMin,
			&a.Status, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		return &a, nil
	})
}

func (r *storePG) CreateAppointment(ctx context.Context, a *Appointment) error {
	newID(&a.ID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, provider_id, start_time, duration_min, status, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING created_at`,
		a.ID, a.PatientID, a.ProviderID, a.StartTime, a.DurationMin, a.Status, a.Reason,
	).Scan(&a.CreatedAt)
	return insertErr(err)
}

func (r *storePG) FindLedgerEntry(ctx context.Context, key LedgerKey) (*LedgerEntry, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, posted_date, entry_type, code, COALESCE(description,''), amount_cents, provider_id, created_at
		FROM ledger_entry
		WHERE patient_id = $1 AND posted_date = $2 AND entry_type = $3 AND code = $4 AND amount_cents = $5`,
		key.PatientID, key.PostedDate, key.EntryType, key.Code, key.AmountCents), func(row pgx.Row) (*LedgerEntry, error) {
		var e LedgerEntry
		if err := row.Scan(&e.ID, &e.PatientID, &e.PostedDate, &e.EntryType, &e.Code, &e.Description,
			&e.AmountCents, &e.ProviderID, &e.CreatedAt); err != nil {
			return nil, err
		}
		return &e, nil
	})
}

func (r *storePG) CreateLedgerEntry(ctx context.Context, e *LedgerEntry) error {
	newID(&e.ID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ledger_entry (id, patient_id, posted_date, entry_type, code, description, amount_cents, provider_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at`,
		e.ID, e.PatientID, e.PostedDate, e.EntryType, e.Code, e.Description, e.AmountCents, e.ProviderID,
	).Scan(&e.CreatedAt)
	return insertErr(err)
}

// -- Attachments --

func (r *storePG) FindPatientFile(ctx context.Context, patientID uuid.UUID, originalName, sha256 string) (*PatientFile, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, original_name, stored_name, category, COALESCE(uploaded_by,''),
			COALESCE(description,''), COALESCE(content_type,''), size_bytes, sha256, created_at
		FROM patient_file WHERE patient_id = $1 AND original_name = $2 AND sha256 = $3`,
		patientID, originalName, sha256), func(row pgx.Row) (*PatientFile, error) {
		var f PatientFile
		if err := row.Scan(&f.ID, &f.PatientID, &f.OriginalName, &f.StoredName, &f.Category, &f.UploadedBy,
			&f.Description, &f.ContentType, &f.Size, &f.SHA256, &f.CreatedAt); err != nil {
			return nil, err
		}
		return &f, nil
	})
}

func (r *storePG) AppendPatientFile(ctx context.Context, f *PatientFile) error {
	newID(&f.ID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_file (id, patient_id, original_name, stored_name, category, uploaded_by,
			description, content_type, size_bytes, sha256)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING created_at`,
		f.ID, f.PatientID, f.OriginalName, f.StoredName, f.Category, f.UploadedBy,
		f.Description, f.ContentType, f.Size, f.SHA256,
	).Scan(&f.CreatedAt)
	return insertErr(err)
}

func (r *storePG) FindHistoricalNote(ctx context.Context, patientID uuid.UUID, sourceFile string) (*HistoricalNote, error) {
	return findOne(r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, source_file, note_type, visit_date, COALESCE(provider_name,''),
			COALESCE(subjective,''), COALESCE(objective,''), COALESCE(assessment,''), COALESCE(plan,''),
			pain_scale, created_at
		FROM historical_note WHERE patient_id = $1 AND source_file = $2`,
		patientID, sourceFile), func(row pgx.Row) (*HistoricalNote, error) {
		var n HistoricalNote
		if err := row.Scan(&n.ID, &n.PatientID, &n.SourceFile, &n.NoteType, &n.VisitDate, &n.ProviderName,
			&n.Subjective, &n.Objective, &n.Assessment, &n.Plan, &n.PainScale, &n.CreatedAt); err != nil {
			return nil, err
		}
		return &n, nil
	})
}

func (r *storePG) CreateHistoricalNote(ctx context.Context, n *HistoricalNote) error {
	newID(&n.ID)
	if n.NoteType == "" {
		n.NoteType = NoteTypeHistoricalImport
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO historical_note (id, patient_id, source_file, note_type, visit_date, provider_name,
			subjective, objective, assessment, plan, pain_scale)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING created_at`,
		n.ID, n.PatientID, n.SourceFile, n.NoteType, n.VisitDate, n.ProviderName,
		n.Subjective, n.Objective, n.Assessment, n.Plan, n.PainScale,
	).Scan(&n.CreatedAt)
	return insertErr(err)
}
