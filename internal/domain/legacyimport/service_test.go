package legacyimport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/archive"
)

const patientsCSV = "Record Number,First Name,Last Name\n1001,Jane,Doe\n,John,Smith\n"

func fullExport(t *testing.T) string {
	t.Helper()
	return writeZip(t,
		[2]string{"Tables/Providers.csv", "Provider Code,NPI,First Name,Last Name\nDC1,1234567890,Amy,Adjust\n"},
		[2]string{"Tables/DiagnosisCodes.csv", "Code,Description\nM54.5,Low back pain\n"},
		[2]string{"Tables/ServiceCodes.csv", "Code,Description,Fee\n98940,CMT 1-2 regions,$45.00\n"},
		[2]string{"Tables/Patients.csv", "Record Number,Account Number,First Name,Last Name,DOB\n" +
			"1001,A100,Jane,Doe,01/02/1980\n1002,A200,John,Smith,3/4/1975\n"},
		[2]string{"Tables/Insurance.csv", "Account Number,Payer,Policy Number\nA100,Blue Cross,XYZ1\n"},
		[2]string{"Tables/Appointments.csv", "Chart Number,Appointment Date,Time,Duration,Provider\n" +
			"1001,03/14/2023,9:30 AM,30,DC1\n1002,03/15/2023,10:00,15,UNKNOWN\n"},
		[2]string{"Ledger/Ledger.csv", "Chart #,Date,Type,Code,Amount,Provider\n" +
			"1001,03/14/2023,Charge,98940,$45.00,DC1\n1001,03/14/2023,Payment,,(45.00),DC1\n"},
		[2]string{"Scanned/1002_intake.pdf", "%PDF-1.4 intake"},
		[2]string{"Chart Notes/1001_03_14_2023.txt", "Subjective: back pain 5/10\nObjective: L5 tenderness\nAssessment: strain\nPlan: ice\n"},
	)
}

func TestRun_ScenarioA_MissingRecordNumber(t *testing.T) {
	env := newTestEnv(t)
	path := writeZip(t, [2]string{"00_Tables/Patients.csv", patientsCSV})

	p, err := env.svc.Preview(env.ctx, path, "export.zip", CommitOptions{})
	require.NoError(t, err)
	assert.True(t, p.IsChirotouchLike)
	assert.Equal(t, 2, p.Counts["patients"])

	run := env.run(t, path, "export.zip", CommitOptions{})
	assert.Equal(t, importrun.StatusCompleted, run.Status)
	assert.Equal(t, 1, run.EntityCounts[importrun.EntityPatient])
	assert.Equal(t, 1, run.Summary.Errors)
	assert.Equal(t, 0, run.Summary.Duplicates)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, importrun.CategoryValidation, run.Errors[0].Category)
	assert.Equal(t, 2, run.Errors[0].Row)
	assert.Equal(t, "00_Tables/Patients.csv", run.Errors[0].File)
}

func TestRun_ScenarioB_ReimportIsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	path := writeZip(t, [2]string{"00_Tables/Patients.csv", patientsCSV})

	env.run(t, path, "export.zip", CommitOptions{})
	second := env.run(t, path, "export.zip", CommitOptions{})

	assert.Equal(t, 0, second.EntityCounts[importrun.EntityPatient])
	assert.Equal(t, 1, second.Summary.Duplicates)
	assert.Equal(t, 1, second.Summary.Errors)
	assert.Equal(t, 1, env.store.Counts(env.ctx)["patients"])
}

func TestRun_ScenarioC_ChartNoteByNameToken(t *testing.T) {
	env := newTestEnv(t)
	path := writeZip(t,
		[2]string{"Tables/Patients.csv", "Record Number,First Name,Last Name\nJohn,Johnathan,Smithers\n"},
		[2]string{"Chart Notes/Smith_John_03_14_2023.txt", "Subjective: back pain\nPlan: ice and rest\n"},
	)

	run := env.run(t, path, "export.zip", CommitOptions{})
	assert.Equal(t, importrun.StatusCompleted, run.Status)
	assert.Equal(t, 1, run.EntityCounts[importrun.EntityChartNote])
	assert.Equal(t, 1, run.EntityCounts[importrun.EntityHistoricalNote])

	notes := env.store.Notes(env.ctx)
	require.Len(t, notes, 1)
	n := notes[0]
	assert.Equal(t, "back pain", n.Subjective)
	assert.Equal(t, "ice and rest", n.Plan)
	assert.Empty(t, n.Objective)
	assert.Empty(t, n.Assessment)
	require.NotNil(t, n.VisitDate)
	assert.Equal(t, time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC), *n.VisitDate)
	assert.Equal(t, "Smith_John_03_14_2023.txt", n.SourceFile)

	files := env.store.Files(env.ctx)
	require.Len(t, files, 1)
	assert.Equal(t, n.PatientID, files[0].PatientID)
	assert.Len(t, env.docs.List(testTenant), 1)
}

func TestRun_ScenarioD_LedgerUnknownPatient(t *testing.T) {
	env := newTestEnv(t)
	path := writeZip(t,
		[2]string{"Tables/Patients.csv", "Record Number,First Name,Last Name\n1001,Jane,Doe\n"},
		[2]string{"Ledger/Ledger.csv", "Chart #,Date,Amount\n9999,03/14/2023,$45.00\n1001,03/14/2023,$45.00\n"},
	)

	run := env.run(t, path, "export.zip", CommitOptions{})
	assert.Equal(t, importrun.StatusCompleted, run.Status)
	assert.Equal(t, 1, run.EntityCounts[importrun.EntityLedger])
	require.Len(t, run.Errors, 1)
	assert.Equal(t, importrun.CategoryPatientNotFound, run.Errors[0].Category)
	assert.Equal(t, "Patient not found", run.Errors[0].Message)
	assert.Equal(t, 1, run.Errors[0].Row)
	assert.Equal(t, "9999", run.Errors[0].Key)
}

func TestRun_FullExportIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	path := fullExport(t)

	first := env.run(t, path, "export.zip", CommitOptions{})
	require.Equal(t, importrun.StatusCompleted, first.Status)
	assert.Zero(t, first.Summary.Errors, "errors: %+v", first.Errors)
	assert.Equal(t, map[importrun.Entity]int{
		importrun.EntityProvider:        1,
		importrun.EntityDiagnosis:       1,
		importrun.EntityServiceCode:     1,
		importrun.EntityPatient:         2,
		importrun.EntityInsurance:       1,
		importrun.EntityAppointment:     2,
		importrun.EntityLedger:          2,
		importrun.EntityScannedDocument: 1,
		importrun.EntityChartNote:       1,
		importrun.EntityHistoricalNote:  1,
	}, first.EntityCounts)
	assert.Equal(t, []string{importrun.CategoryInvalidValue}, categories(first.Warnings))
	counts := env.store.Counts(env.ctx)

	second := env.run(t, path, "export.zip", CommitOptions{})
	require.Equal(t, importrun.StatusCompleted, second.Status)
	for entity, n := range second.EntityCounts {
		assert.Zero(t, n, "second run created %s", entity)
	}
	assert.Zero(t, second.Summary.Errors, "errors: %+v", second.Errors)
	assert.Equal(t, 13, second.Summary.Duplicates)
	assert.Equal(t, counts, env.store.Counts(env.ctx))
}

func TestRun_StoredValuesAreParsed(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, fullExport(t), "export.zip", CommitOptions{})

	svc, err := env.store.FindServiceCode(env.ctx, "98940")
	require.NoError(t, err)
	require.NotNil(t, svc.FeeCents)
	assert.Equal(t, int64(4500), *svc.FeeCents)

	jane, err := env.store.FindPatientByRecordNumber(env.ctx, "1001")
	require.NoError(t, err)
	require.NotNil(t, jane.BirthDate)
	assert.Equal(t, time.Date(1980, 1, 2, 0, 0, 0, 0, time.UTC), *jane.BirthDate)

	appt, err := env.store.FindAppointment(env.ctx, jane.ID, time.Date(2023, 3, 14, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, appt)
	require.NotNil(t, appt.ProviderID)
	require.NotNil(t, appt.DurationMin)
	assert.Equal(t, 30, *appt.DurationMin)

	payment, err := env.store.FindLedgerEntry(env.ctx, LedgerKey{
		PatientID: jane.ID, PostedDate: time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC), EntryType: "Payment", AmountCents: -4500,
	})
	require.NoError(t, err)
	assert.NotNil(t, payment)
}

func TestRun_DatasetSelection(t *testing.T) {
	env := newTestEnv(t)
	run := env.run(t, fullExport(t), "export.zip", CommitOptions{
		Datasets: map[string]bool{"ledger": false, "chart_notes": false, "scanned_documents": false, "patients": true},
	})

	assert.Equal(t, 2, run.EntityCounts[importrun.EntityPatient])
	assert.Zero(t, run.EntityCounts[importrun.EntityLedger])
	counts := env.store.Counts(env.ctx)
	assert.Zero(t, counts["ledger_entries"])
	assert.Zero(t, counts["patient_files"])
	assert.Zero(t, counts["historical_notes"])
}

func TestRun_SingleCSV(t *testing.T) {
	t.Run("entity from file name", func(t *testing.T) {
		env := newTestEnv(t)
		run := env.run(t, writeFile(t, "Patients.csv", patientsCSV), "Patients.csv", CommitOptions{})
		assert.Equal(t, "csv", run.ArchiveType)
		assert.Equal(t, 1, run.EntityCounts[importrun.EntityPatient])
	})

	t.Run("explicit entity and mapping", func(t *testing.T) {
		env := newTestEnv(t)
		path := writeFile(t, "export.csv", "Legacy No,Given,Family\nL1,Ann,Lee\n")
		run := env.run(t, path, "export.csv", CommitOptions{
			Entity:  "patients",
			Mapping: map[string]string{"record_number": "Legacy No", "first_name": "Given", "last_name": "Family"},
		})
		assert.Equal(t, 1, run.EntityCounts[importrun.EntityPatient])
		p, err := env.store.FindPatientByRecordNumber(env.ctx, "L1")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "Ann", p.FirstName)
	})

	t.Run("entity required", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Run(env.ctx, testTenant, writeFile(t, "export.csv", "a\n1\n"), "export.csv", CommitOptions{})
		assert.ErrorIs(t, err, ErrEntityRequired)

		_, err = env.svc.Run(env.ctx, testTenant, writeFile(t, "export.csv", "a\n1\n"), "export.csv", CommitOptions{Entity: "widgets"})
		assert.ErrorIs(t, err, ErrUnknownEntity)
	})

	t.Run("unsupported upload", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Run(env.ctx, testTenant, writeFile(t, "notes.pdf", "x"), "notes.pdf", CommitOptions{})
		assert.ErrorIs(t, err, ErrUnsupportedUpload)
	})
}

func TestRun_SingleXLSX(t *testing.T) {
	env := newTestEnv(t)
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"Code", "Description", "Fee"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{"98940", "CMT 1-2 regions", "45.00"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]interface{}{"97110", "Therapeutic exercise", "abc"}))
	path := filepath.Join(t.TempDir(), "ServiceCodes.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	run := env.run(t, path, "ServiceCodes.xlsx", CommitOptions{})
	assert.Equal(t, 2, run.EntityCounts[importrun.EntityServiceCode])
	assert.Equal(t, []string{importrun.CategoryInvalidValue}, categories(run.Warnings))

	code, err := env.store.FindServiceCode(env.ctx, "97110")
	require.NoError(t, err)
	assert.Nil(t, code.FeeCents)
}

func TestRun_CorruptArchiveFailsRun(t *testing.T) {
	env := newTestEnv(t)
	path := writeFile(t, "export.zip", "this is not a zip archive")

	run, err := env.svc.Run(env.ctx, testTenant, path, "export.zip", CommitOptions{})
	var extractErr *archive.ExtractionError
	require.True(t, errors.As(err, &extractErr))
	require.NotNil(t, run)
	assert.Equal(t, importrun.StatusFailed, run.Status)
	assert.Equal(t, 1, run.Summary.Errors)
	assert.Zero(t, run.Summary.TotalProcessed)
	assert.Equal(t, importrun.CategoryExtraction, run.Errors[0].Category)

	stored, err := env.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, importrun.StatusFailed, stored.Status)

	_, statErr := os.Stat(filepath.Join(env.svc.cfg.WorkDir, "runs", run.ID.String()))
	assert.NoError(t, statErr, "work dir is kept for a failed run")
}

func TestRun_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.ctx)
	cancel()

	run, err := env.svc.Run(ctx, testTenant, fullExport(t), "export.zip", CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, importrun.StatusCancelled, run.Status)
	assert.Equal(t, []string{importrun.CategoryCancelled}, categories(run.Warnings))

	stored, err := env.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, importrun.StatusCancelled, stored.Status)
}

func TestRun_RowCapAcrossPipeline(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Scheduler.MaxRowsPerFile = 3; c.Scheduler.BatchSize = 2 })
	var b strings.Builder
	b.WriteString("Record Number,First Name,Last Name\n")
	for _, rec := range []string{"1", "2", "3", "4", "5", "6"} {
		b.WriteString(rec + ",A,B\n")
	}
	run := env.run(t, writeZip(t, [2]string{"Tables/Patients.csv", b.String()}), "export.zip", CommitOptions{})

	assert.Equal(t, 3, run.EntityCounts[importrun.EntityPatient])
	assert.Equal(t, 1, countCategory(run.Warnings, importrun.CategoryLargeDataset))
}

func TestRun_WorkDirRemovedOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	run := env.run(t, writeZip(t, [2]string{"Tables/Patients.csv", patientsCSV}), "export.zip", CommitOptions{})
	_, err := os.Stat(filepath.Join(env.svc.cfg.WorkDir, "runs", run.ID.String()))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_TenantsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	path := writeZip(t, [2]string{"Tables/Patients.csv", patientsCSV})

	_, err := env.svc.Run(context.Background(), "clinic_b", path, "export.zip", CommitOptions{})
	require.NoError(t, err)
	run := env.run(t, path, "export.zip", CommitOptions{})

	assert.Equal(t, 1, run.EntityCounts[importrun.EntityPatient])
	assert.Zero(t, run.Summary.Duplicates)
}

func TestUploadLifecycle(t *testing.T) {
	env := newTestEnv(t)
	src, err := os.Open(writeZip(t, [2]string{"00_Tables/Patients.csv", patientsCSV}))
	require.NoError(t, err)
	defer src.Close()

	u, err := env.svc.SaveUpload(env.ctx, testTenant, "Clinic Export.zip", src)
	require.NoError(t, err)
	assert.Equal(t, ArchiveZIP, u.ArchiveType)
	assert.Positive(t, u.Size)

	_, err = env.svc.LoadUpload("clinic_b", u.ID)
	assert.ErrorIs(t, err, ErrUploadNotFound)

	run, err := env.svc.Commit(env.ctx, testTenant, u.ID, CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Clinic Export.zip", run.SourceFileName)
	assert.Equal(t, 1, run.EntityCounts[importrun.EntityPatient])

	_, err = env.svc.LoadUpload(testTenant, u.ID)
	assert.ErrorIs(t, err, ErrUploadNotFound, "completed uploads are removed")

	_, err = env.svc.SaveUpload(env.ctx, testTenant, "notes.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnsupportedUpload)
}
