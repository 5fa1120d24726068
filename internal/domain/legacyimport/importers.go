package legacyimport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/legacyimport/internal/domain/importrun"
)

// Outcome is the result of importing one canonical row.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeDuplicate
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

type importFunc func(ctx context.Context, row CanonicalRow) Outcome

// session holds the state of one import run: the run accumulator, the
// in-run patient index and the provider references seen so far.
type session struct {
	store     RecordStore
	run       *importrun.Run
	log       zerolog.Logger
	index     *patientIndex
	providers map[string]uuid.UUID
	importers map[EntityType]importFunc
}

func newSession(store RecordStore, run *importrun.Run, log zerolog.Logger) *session {
	s := &session{
		store:     store,
		run:       run,
		log:       log,
		index:     newPatientIndex(),
		providers: make(map[string]uuid.UUID),
	}
	s.importers = map[EntityType]importFunc{
		EntityPatient:     s.importPatient,
		EntityProvider:    s.importProvider,
		EntityDiagnosis:   s.importDiagnosis,
		EntityServiceCode: s.importServiceCode,
		EntityInsurance:   s.importInsurance,
		EntityAppointment: s.importAppointment,
		EntityLedger:      s.importLedger,
	}
	return s
}

// Import validates, deduplicates and stores one row.
func (s *session) Import(ctx context.Context, row CanonicalRow) Outcome {
	fn, ok := s.importers[row.Entity]
	if !ok {
		s.run.RecordError(row.issue(importrun.CategoryValidation, fmt.Sprintf("no importer for %q", row.Entity), ""))
		return OutcomeFailed
	}
	return fn(ctx, row)
}

func (s *session) fail(row CanonicalRow, category, message, key string) Outcome {
	s.run.RecordError(row.issue(category, message, key))
	return OutcomeFailed
}

func (s *session) storeError(row CanonicalRow, err error, key string) Outcome {
	s.log.Error().Err(err).Str("file", row.File).Int("row", row.Row).Str("key", key).Msg("record store failure")
	return s.fail(row, importrun.CategoryStoreError, err.Error(), key)
}

func (s *session) invalid(row CanonicalRow, field, value string, key string) {
	s.run.Warn(row.issue(importrun.CategoryInvalidValue, fmt.Sprintf("ignored unparseable %s %q", field, value), key))
}

// lookupOrCreate is the lookup-before-create step shared by every importer.
// Existing records are never modified; a key that exists becomes a
// recorded duplicate.
func lookupOrCreate[T any](ctx context.Context, s *session, row CanonicalRow, entity importrun.Entity, what, key string,
	find func(context.Context) (*T, error), create func(context.Context) error) (*T, Outcome) {
	existing, err := find(ctx)
	if err != nil {
		return nil, s.storeError(row, err, key)
	}
	if existing != nil {
		s.run.RecordDuplicate(row.issue(importrun.CategoryDuplicate, what+" already exists", key))
		return existing, OutcomeDuplicate
	}
	if err := create(ctx); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			s.run.RecordDuplicate(row.issue(importrun.CategoryDuplicate, what+" already exists", key))
			return nil, OutcomeDuplicate
		}
		return nil, s.storeError(row, err, key)
	}
	s.run.RecordSuccess(entity)
	return nil, OutcomeCreated
}

func (s *session) importPatient(ctx context.Context, row CanonicalRow) Outcome {
	rec := row.Get("record_number")
	if rec == "" {
		return s.fail(row, importrun.CategoryValidation, "missing record number", "")
	}
	p := &Patient{
		RecordNumber:        rec,
		FirstName:           row.Get("first_name"),
		LastName:            row.Get("last_name"),
		MiddleName:          row.Get("middle_name"),
		Gender:              row.Get("gender"),
		Phone:               row.Get("phone"),
		Email:               row.Get("email"),
		AddressLine1:        row.Get("address_line1"),
		AddressLine2:        row.Get("address_line2"),
		City:                row.Get("city"),
		State:               row.Get("state"),
		PostalCode:          row.Get("postal_code"),
		LegacyAccountNumber: row.Get("legacy_account_number"),
		LegacyPatientID:     row.Get("legacy_patient_id"),
		LegacyClientID:      row.Get("legacy_client_id"),
	}
	if p.FirstName == "" && p.LastName == "" {
		return s.fail(row, importrun.CategoryValidation, "missing first and last name", rec)
	}

	existing, out := lookupOrCreate(ctx, s, row, importrun.EntityPatient, "patient", rec,
		func(ctx context.Context) (*Patient, error) { return s.store.FindPatientByRecordNumber(ctx, rec) },
		func(ctx context.Context) error {
			if v := row.Get("birth_date"); v != "" {
				if d, err := ParseDay(v); err == nil {
					p.BirthDate = &d
				} else {
					s.invalid(row, "birth date", v, rec)
				}
			}
			return s.store.CreatePatient(ctx, p)
		})
	switch {
	case existing != nil:
		s.index.remember(existing.ID, rec)
		s.index.remember(existing.ID, existing.Aliases()...)
		s.index.remember(existing.ID, p.Aliases()...)
	case out == OutcomeCreated:
		s.index.remember(p.ID, rec)
		s.index.remember(p.ID, p.Aliases()...)
	}
	return out
}

func (s *session) importProvider(ctx context.Context, row CanonicalRow) Outcome {
	code, npi := row.Get("provider_code"), row.Get("npi")
	if code == "" {
		code = npi
	}
	if code == "" {
		return s.fail(row, importrun.CategoryValidation, "missing provider code and NPI", "")
	}
	p := &Provider{
		Code:        code,
		NPI:         npi,
		FirstName:   row.Get("first_name"),
		LastName:    row.Get("last_name"),
		Credentials: row.Get("credentials"),
		Specialty:   row.Get("specialty"),
		Phone:       row.Get("phone"),
		Email:       row.Get("email"),
	}
	existing, out := lookupOrCreate(ctx, s, row, importrun.EntityProvider, "provider", code,
		func(ctx context.Context) (*Provider, error) { return s.store.FindProviderByCode(ctx, code) },
		func(ctx context.Context) error { return s.store.CreateProvider(ctx, p) })
	switch {
	case existing != nil:
		s.rememberProvider(existing.ID, existing.Code, existing.NPI)
	case out == OutcomeCreated:
		s.rememberProvider(p.ID, code, npi)
	}
	return out
}

func (s *session) rememberProvider(id uuid.UUID, keys ...string) {
	for _, k := range keys {
		if k != "" {
			s.providers[k] = id
		}
	}
}

// resolveProvider looks a provider reference up by code, then NPI. An
// unknown reference is a warning; the row is stored without a provider.
func (s *session) resolveProvider(ctx context.Context, row CanonicalRow, ref, key string) *uuid.UUID {
	if ref == "" {
		return nil
	}
	if id, ok := s.providers[ref]; ok {
		return &id
	}
	p, err := s.store.FindProviderByCode(ctx, ref)
	if err == nil && p == nil {
		p, err = s.store.FindProviderByNPI(ctx, ref)
	}
	if err != nil || p == nil {
		s.run.Warn(row.issue(importrun.CategoryInvalidValue, fmt.Sprintf("provider %q not found, stored without provider", ref), key))
		return nil
	}
	s.rememberProvider(p.ID, ref)
	return &p.ID
}

func (s *session) importDiagnosis(ctx context.Context, row CanonicalRow) Outcome {
	code := row.Get("code")
	if code == "" {
		return s.fail(row, importrun.CategoryValidation, "missing diagnosis code", "")
	}
	d := &DiagnosisCode{Code: code, Description: row.Get("description"), CodeSystem: row.Get("code_system")}
	if d.CodeSystem == "" {
		d.CodeSystem = "ICD-10"
	}
	_, out := lookupOrCreate(ctx, s, row, importrun.EntityDiagnosis, "diagnosis code", code,
		func(ctx context.Context) (*DiagnosisCode, error) { return s.store.FindDiagnosisCode(ctx, code) },
		func(ctx context.Context) error { return s.store.CreateDiagnosisCode(ctx, d) })
	return out
}

func (s *session) importServiceCode(ctx context.Context, row CanonicalRow) Outcome {
	code := row.Get("code")
	if code == "" {
		return s.fail(row, importrun.CategoryValidation, "missing service code", "")
	}
	c := &ServiceCode{Code: code, Description: row.Get("description")}
	if v := row.Get("fee"); v != "" {
		if cents, err := ParseAmount(v); err == nil {
			c.FeeCents = &cents
		} else {
			s.invalid(row, "fee", v, code)
		}
	}
	_, out := lookupOrCreate(ctx, s, row, importrun.EntityServiceCode, "service code", code,
		func(ctx context.Context) (*ServiceCode, error) { return s.store.FindServiceCode(ctx, code) },
		func(ctx context.Context) error { return s.store.CreateServiceCode(ctx, c) })
	return out
}

// patientRef returns the patient keys a dependent row carries.
func patientRef(row CanonicalRow) []string {
	var keys []string
	for _, f := range []string{"patient_record_number", "patient_account_number", "patient_legacy_id"} {
		if v := row.Get(f); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// requirePatient resolves the row's patient reference or records why it
// could not.
func (s *session) requirePatient(ctx context.Context, row CanonicalRow) (uuid.UUID, string, bool) {
	keys := patientRef(row)
	if len(keys) == 0 {
		s.fail(row, importrun.CategoryValidation, "missing patient reference", "")
		return uuid.Nil, "", false
	}
	key := strings.Join(keys, "/")
	id, ok, err := s.resolvePatient(ctx, keys...)
	if err != nil {
		s.storeError(row, err, key)
		return uuid.Nil, key, false
	}
	if !ok {
		s.fail(row, importrun.CategoryPatientNotFound, "Patient not found", key)
		return uuid.Nil, key, false
	}
	return id, key, true
}

func (s *session) importInsurance(ctx context.Context, row CanonicalRow) Outcome {
	payer := row.Get("payer_name")
	if payer == "" {
		return s.fail(row, importrun.CategoryValidation, "missing payer name", strings.Join(patientRef(row), "/"))
	}
	patientID, ref, ok := s.requirePatient(ctx, row)
	if !ok {
		return OutcomeFailed
	}
	policy := row.Get("policy_number")
	key := ref + "/" + payer + "/" + policy
	p := &InsurancePolicy{
		PatientID:      patientID,
		PayerName:      payer,
		PolicyNumber:   policy,
		GroupNumber:    row.Get("group_number"),
		SubscriberName: row.Get("subscriber_name"),
		Relationship:   row.Get("relationship"),
		Priority:       row.Get("priority"),
	}
	if v := row.Get("effective_date"); v != "" {
		if d, err := ParseDay(v); err == nil {
			p.EffectiveDate = &d
		} else {
			s.invalid(row, "effective date", v, key)
		}
	}
	_, out := lookupOrCreate(ctx, s, row, importrun.EntityInsurance, "insurance policy", key,
		func(ctx context.Context) (*InsurancePolicy, error) {
			return s.store.FindInsurancePolicy(ctx, patientID, payer, policy)
		},
		func(ctx context.Context) error { return s.store.CreateInsurancePolicy(ctx, p) })
	return out
}

// appointmentStart combines the date and time columns. A time column that
// cannot be read leaves the time carried by the date value.
func (s *session) appointmentStart(row CanonicalRow, key string) (time.Time, error) {
	start, err := ParseDate(row.Get("date"))
	if err != nil {
		return time.Time{}, err
	}
	if v := row.Get("time"); v != "" {
		if clock, err := ParseClock(v); err == nil {
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC).Add(clock)
		} else {
			s.invalid(row, "time", v, key)
		}
	}
	return start, nil
}

func (s *session) importAppointment(ctx context.Context, row CanonicalRow) Outcome {
	ref := strings.Join(patientRef(row), "/")
	if row.Get("date") == "" {
		return s.fail(row, importrun.CategoryValidation, "missing appointment date", ref)
	}
	start, err := s.appointmentStart(row, ref)
	if err != nil {
		return s.fail(row, importrun.CategoryValidation, err.Error(), ref)
	}
	patientID, ref, ok := s.requirePatient(ctx, row)
	if !ok {
		return OutcomeFailed
	}
	key := ref + "@" + start.Format(time.RFC3339)
	a := &Appointment{
		PatientID:  patientID,
		StartTime:  start,
		Status:     row.Get("status"),
		Reason:     row.Get("reason"),
		ProviderID: s.resolveProvider(ctx, row, row.Get("provider_code"), key),
	}
	if v := row.Get("duration"); v != "" {
		if n, err := ParseMinutes(v); err == nil {
			a.DurationMin = &n
		} else {
			s.invalid(row, "duration", v, key)
		}
	}
	_, out := lookupOrCreate(ctx, s, row, importrun.EntityAppointment, "appointment", key,
		func(ctx context.Context) (*Appointment, error) { return s.store.FindAppointment(ctx, patientID, start) },
		func(ctx context.Context) error { return s.store.CreateAppointment(ctx, a) })
	return out
}

func (s *session) importLedger(ctx context.Context, row CanonicalRow) Outcome {
	ref := strings.Join(patientRef(row), "/")
	if row.Get("posted_date") == "" {
		return s.fail(row, importrun.CategoryValidation, "missing posted date", ref)
	}
	posted, err := ParseDay(row.Get("posted_date"))
	if err != nil {
		return s.fail(row, importrun.CategoryValidation, err.Error(), ref)
	}
	if row.Get("amount") == "" {
		return s.fail(row, importrun.CategoryValidation, "missing amount", ref)
	}
	amount, err := ParseAmount(row.Get("amount"))
	if err != nil {
		return s.fail(row, importrun.CategoryValidation, err.Error(), ref)
	}
	patientID, ref, ok := s.requirePatient(ctx, row)
	if !ok {
		return OutcomeFailed
	}
	e := &LedgerEntry{
		PatientID:   patientID,
		PostedDate:  posted,
		EntryType:   row.Get("entry_type"),
		Code:        row.Get("code"),
		Description: row.Get("description"),
		AmountCents: amount,
	}
	key := fmt.Sprintf("%s@%s/%s/%s/%d", ref, posted.Format("2006-01-02"), e.EntryType, e.Code, amount)
	e.ProviderID = s.resolveProvider(ctx, row, row.Get("provider_code"), key)
	_, out := lookupOrCreate(ctx, s, row, importrun.EntityLedger, "ledger entry", key,
		func(ctx context.Context) (*LedgerEntry, error) { return s.store.FindLedgerEntry(ctx, e.Key()) },
		func(ctx context.Context) error { return s.store.CreateLedgerEntry(ctx, e) })
	return out
}
