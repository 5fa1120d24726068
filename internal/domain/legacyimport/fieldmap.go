package legacyimport

import (
	"strings"

	"github.com/ehr/legacyimport/internal/platform/tabular"
)

// FieldSpec is a canonical field and the source column names it is read
// from, in order of preference.
type FieldSpec struct {
	Name       string
	Candidates []string
}

func candidates(name string, cols ...string) FieldSpec {
	return FieldSpec{Name: name, Candidates: cols}
}

// Columns referencing a patient from dependent tables.
var patientRefFields = []FieldSpec{
	candidates("patient_record_number", "Record Number", "RecordNumber", "Record #", "Chart Number", "ChartNumber", "Chart #", "Chart", "MRN", "Patient Number", "PatientNumber"),
	candidates("patient_account_number", "Account Number", "AccountNumber", "Account #", "Account", "AcctNo", "Acct #"),
	candidates("patient_legacy_id", "Patient ID", "PatientID", "PatientId", "Patient_ID", "PatID", "Client ID", "ClientID"),
}

var fieldSpecs = map[EntityType][]FieldSpec{
	EntityPatient: {
		candidates("record_number", "Record Number", "RecordNumber", "record_number", "Record #", "Chart Number", "ChartNumber", "Chart #", "Chart", "MRN", "Patient Number", "PatientNumber"),
		candidates("legacy_account_number", "Account Number", "AccountNumber", "account_number", "Account #", "Account", "AcctNo", "Acct #"),
		candidates("legacy_patient_id", "Patient ID", "PatientID", "PatientId", "Patient_ID", "patient_id", "PatID"),
		candidates("legacy_client_id", "Client ID", "ClientID", "ClientId", "Client_ID", "client_id"),
		candidates("first_name", "First Name", "FirstName", "first_name", "First", "FName", "Given Name"),
		candidates("last_name", "Last Name", "LastName", "last_name", "Last", "LName", "Surname", "Family Name"),
		candidates("middle_name", "Middle Name", "MiddleName", "middle_name", "Middle", "MI", "Middle Initial"),
		candidates("birth_date", "Date of Birth", "DateOfBirth", "DOB", "Birth Date", "BirthDate", "birth_date", "Birthdate"),
		candidates("gender", "Gender", "Sex", "gender", "sex"),
		candidates("phone", "Phone", "Home Phone", "HomePhone", "Phone Number", "PhoneNumber", "Cell Phone", "Mobile", "phone"),
		candidates("email", "Email", "E-mail", "Email Address", "EmailAddress", "email"),
		candidates("address_line1", "Address", "Address 1", "Address1", "Address Line 1", "Street", "address_line1"),
		candidates("address_line2", "Address 2", "Address2", "Address Line 2", "address_line2"),
		candidates("city", "City", "city"),
		candidates("state", "State", "ST", "state"),
		candidates("postal_code", "Zip", "Zip Code", "ZipCode", "ZIP", "Postal Code", "PostalCode", "postal_code"),
	},
	EntityProvider: {
		candidates("provider_code", "Provider Code", "ProviderCode", "provider_code", "Provider ID", "ProviderID", "Doctor Code", "DoctorCode", "Code"),
		candidates("npi", "NPI", "Npi", "npi", "NPI Number"),
		candidates("first_name", "First Name", "FirstName", "first_name", "First"),
		candidates("last_name", "Last Name", "LastName", "last_name", "Last"),
		candidates("credentials", "Credentials", "Credential", "Title", "Degree"),
		candidates("specialty", "Specialty", "Speciality", "specialty"),
		candidates("phone", "Phone", "Phone Number", "phone"),
		candidates("email", "Email", "E-mail", "email"),
	},
	EntityDiagnosis: {
		candidates("code", "Code", "Diagnosis Code", "DiagnosisCode", "ICD Code", "ICD10", "ICD-10", "ICD", "Dx Code", "DxCode", "code"),
		candidates("description", "Description", "Diagnosis", "Desc", "description"),
		candidates("code_system", "Code System", "CodeSystem", "Code Type", "code_system"),
	},
	EntityServiceCode: {
		candidates("code", "Code", "Service Code", "ServiceCode", "CPT", "CPT Code", "Procedure Code", "ProcedureCode", "code"),
		candidates("description", "Description", "Service", "Procedure", "Desc", "description"),
		candidates("fee", "Fee", "Amount", "Charge", "Price", "Standard Fee", "fee"),
	},
	EntityInsurance: append([]FieldSpec{
		candidates("payer_name", "Payer", "Payer Name", "PayerName", "Insurance", "Insurance Company", "Carrier", "Insurance Name", "payer_name"),
		candidates("policy_number", "Policy Number", "PolicyNumber", "Policy #", "Policy", "Member ID", "MemberID", "Subscriber ID", "policy_number"),
		candidates("group_number", "Group Number", "GroupNumber", "Group #", "Group", "group_number"),
		candidates("subscriber_name", "Subscriber", "Subscriber Name", "SubscriberName", "Insured", "Insured Name"),
		candidates("relationship", "Relationship", "Relation", "Relationship To Insured"),
		candidates("priority", "Priority", "Order", "Coverage Order", "Primary/Secondary"),
		candidates("effective_date", "Effective Date", "EffectiveDate", "Start Date", "effective_date"),
	}, patientRefFields...),
	EntityAppointment: append([]FieldSpec{
		candidates("date", "Date", "Appointment Date", "AppointmentDate", "Appt Date", "ApptDate", "Visit Date", "VisitDate", "Start", "Start Time", "date"),
		candidates("time", "Time", "Appointment Time", "AppointmentTime", "Appt Time", "ApptTime", "time"),
		candidates("duration", "Duration", "Length", "Minutes", "Duration (min)", "duration"),
		candidates("status", "Status", "Appointment Status", "status"),
		candidates("reason", "Reason", "Visit Reason", "Type", "Appointment Type", "Notes", "reason"),
		candidates("provider_code", "Provider Code", "ProviderCode", "Provider", "Doctor", "provider_code"),
	}, patientRefFields...),
	EntityLedger: append([]FieldSpec{
		candidates("posted_date", "Date", "Posted Date", "PostedDate", "Post Date", "Transaction Date", "TransactionDate", "Service Date", "DOS", "posted_date"),
		candidates("entry_type", "Type", "Transaction Type", "TransactionType", "Entry Type", "entry_type"),
		candidates("code", "Code", "CPT", "Procedure Code", "Service Code", "Transaction Code", "code"),
		candidates("description", "Description", "Desc", "Memo", "description"),
		candidates("amount", "Amount", "Charge", "Charges", "Payment", "Total", "amount"),
		candidates("provider_code", "Provider Code", "ProviderCode", "Provider", "Doctor", "provider_code"),
	}, patientRefFields...),
}

// Mapper translates tabular rows into canonical rows. Overrides name the
// source column for a canonical field and win over the candidate list.
type Mapper struct {
	overrides map[string]string
}

func NewMapper(overrides map[string]string) *Mapper {
	o := make(map[string]string, len(overrides))
	for k, v := range overrides {
		if v = strings.TrimSpace(v); v != "" {
			o[k] = v
		}
	}
	return &Mapper{overrides: o}
}

// Fields returns the canonical field specs of an entity.
func Fields(e EntityType) []FieldSpec { return fieldSpecs[e] }

// Map returns a canonical row holding every field of the entity. It never
// fails: a field with no matching column is the empty string.
func (m *Mapper) Map(e EntityType, file string, row tabular.Row) CanonicalRow {
	specs := fieldSpecs[e]
	out := CanonicalRow{Entity: e, Fields: make(map[string]string, len(specs)), File: file, Row: row.Number}
	for _, spec := range specs {
		out.Fields[spec.Name] = m.value(spec, row)
	}
	return out
}

func (m *Mapper) value(spec FieldSpec, row tabular.Row) string {
	if col, ok := m.overrides[spec.Name]; ok {
		if v, ok := row.Get(col); ok {
			return strings.TrimSpace(v)
		}
	}
	for _, col := range spec.Candidates {
		if v, ok := row.Get(col); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
