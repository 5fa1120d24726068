package importrun

import (
	"testing"
)

func TestRun_Lifecycle(t *testing.T) {
	r := New("clinic_a", "export.zip", 1024, "zip")
	if r.Status != StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}

	r.Start()
	if r.Status != StatusProcessing || r.StartedAt == nil {
		t.Fatalf("expected processing with start time, got %s", r.Status)
	}

	r.RecordSuccess(EntityPatient)
	r.RecordSuccess(EntityPatient)
	r.RecordSuccess(EntityProvider)
	r.RecordError(Issue{Category: CategoryValidation, Message: "missing record number", File: "Patients.csv", Row: 4})
	r.RecordDuplicate(Issue{Message: "patient 1001 already exists", Key: "1001"})
	r.RecordSkip(Issue{Category: CategoryMissingPatient, File: "scan.pdf"})
	r.Warn(Issue{Category: CategoryLargeDataset, File: "Ledger.csv"})

	if r.Summary.TotalProcessed != 6 {
		t.Errorf("expected 6 processed, got %d", r.Summary.TotalProcessed)
	}
	if r.Summary.Success != 3 || r.Summary.Errors != 1 || r.Summary.Duplicates != 1 || r.Summary.Skipped != 1 {
		t.Errorf("unexpected summary %+v", r.Summary)
	}
	if r.EntityCounts[EntityPatient] != 2 || r.EntityCounts[EntityProvider] != 1 {
		t.Errorf("unexpected entity counts %v", r.EntityCounts)
	}
	if r.Duplicates[0].Category != CategoryDuplicate {
		t.Errorf("expected default duplicate category, got %q", r.Duplicates[0].Category)
	}
	if len(r.Warnings) != 2 || !r.HasWarning(CategoryLargeDataset) {
		t.Errorf("expected 2 warnings incl. large_dataset, got %v", r.Warnings)
	}

	sum := 0
	for _, n := range r.EntityCounts {
		sum += n
	}
	if sum > r.Summary.TotalProcessed {
		t.Errorf("entity counts %d exceed processed %d", sum, r.Summary.TotalProcessed)
	}

	r.Finish(StatusCompleted)
	if r.Status != StatusCompleted || r.FinishedAt == nil {
		t.Fatalf("expected completed, got %s", r.Status)
	}
	if r.Duration() < 0 {
		t.Errorf("negative duration %v", r.Duration())
	}
}

func TestRun_FrozenOnceTerminal(t *testing.T) {
	r := New("t1", "a.csv", 10, "csv")
	r.Start()
	r.RecordSuccess(EntityPatient)
	r.Finish(StatusFailed)

	finished := *r.FinishedAt
	r.RecordSuccess(EntityPatient)
	r.RecordError(Issue{Message: "late"})
	r.RecordDuplicate(Issue{Message: "late"})
	r.RecordSkip(Issue{Message: "late"})
	r.Warn(Issue{Message: "late"})
	r.Start()
	r.Finish(StatusCompleted)

	if r.Status != StatusFailed {
		t.Errorf("expected status to stay failed, got %s", r.Status)
	}
	if r.Summary.TotalProcessed != 1 || len(r.Errors) != 0 || len(r.Warnings) != 0 || len(r.Duplicates) != 0 {
		t.Errorf("run mutated after finish: %+v", r.Summary)
	}
	if !r.FinishedAt.Equal(finished) {
		t.Error("finish time changed")
	}
}

func TestRun_FinishWithNonTerminalStatusFails(t *testing.T) {
	r := New("t1", "a.csv", 10, "csv")
	r.Finish(StatusProcessing)
	if r.Status != StatusFailed {
		t.Errorf("expected failed, got %s", r.Status)
	}
	if r.StartedAt == nil {
		t.Error("expected start time to be filled in")
	}
}

func TestRun_ReportCapsIssueLists(t *testing.T) {
	r := New("t1", "a.csv", 10, "csv")
	r.Start()
	for i := 0; i < 30; i++ {
		r.RecordError(Issue{Category: CategoryValidation, Row: i + 1})
		r.Warn(Issue{Category: CategoryMissingPatient})
	}
	r.Finish(StatusCompleted)

	rep := r.Report(20)
	if len(rep.Errors) != 20 || rep.TotalErrors != 30 {
		t.Errorf("expected 20 of 30 errors, got %d of %d", len(rep.Errors), rep.TotalErrors)
	}
	if len(rep.Warnings) != 20 || rep.TotalWarnings != 30 {
		t.Errorf("expected 20 of 30 warnings, got %d of %d", len(rep.Warnings), rep.TotalWarnings)
	}
	if len(r.Errors) != 30 {
		t.Errorf("report must not truncate the run itself")
	}
	if rep.Errors[0].Row != 1 {
		t.Errorf("expected first error to be row 1, got %d", rep.Errors[0].Row)
	}

	rep.EntityCounts[EntityPatient] = 99
	if r.EntityCounts[EntityPatient] == 99 {
		t.Error("report shares entity count map with run")
	}

	if full := r.Report(0); len(full.Errors) != 30 {
		t.Errorf("expected uncapped report, got %d", len(full.Errors))
	}
}

func TestStatus_Terminal(t *testing.T) {
	tests := map[Status]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	}
	for s, want := range tests {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestRun_RecordFatal(t *testing.T) {
	r := New("t1", "broken.zip", 10, "zip")
	r.Start()
	r.RecordFatal(Issue{Category: CategoryExtraction, Message: "zip: not a valid zip file"})
	if r.Summary.Errors != 1 || len(r.Errors) != 1 {
		t.Fatalf("expected one error, got %+v", r.Summary)
	}
	if r.Summary.TotalProcessed != 0 {
		t.Errorf("fatal error must not count as processed, got %d", r.Summary.TotalProcessed)
	}
}
