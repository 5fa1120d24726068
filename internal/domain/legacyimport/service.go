package legacyimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/archive"
	"github.com/ehr/legacyimport/internal/platform/blobstore"
	"github.com/ehr/legacyimport/internal/platform/db"
	"github.com/ehr/legacyimport/internal/platform/tabular"
)

var (
	ErrUnsupportedUpload = errors.New("only .csv, .xlsx and .zip files can be imported")
	ErrUploadNotFound    = errors.New("upload not found")
	ErrEntityRequired    = errors.New("entity is required for a single-table import")
	ErrUnknownEntity     = errors.New("unknown entity")
)

// Archive types accepted on upload.
const (
	ArchiveZIP  = "zip"
	ArchiveCSV  = "csv"
	ArchiveXLSX = "xlsx"
)

// ArchiveTypeFor returns the archive type of an upload by extension.
func ArchiveTypeFor(name string) (string, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip":
		return ArchiveZIP, true
	case ".csv":
		return ArchiveCSV, true
	case ".xlsx":
		return ArchiveXLSX, true
	}
	return "", false
}

type Config struct {
	WorkDir           string
	Scheduler         SchedulerConfig
	MaxExtractedBytes int64
	MaxNoteBytes      int64
	ReportCap         int
	PreviewRows       int
	UploaderTag       string
}

// Service runs legacy imports for one tenant at a time per call. It holds
// no per-run state, so concurrent runs for different tenants are safe.
type Service struct {
	cfg       Config
	store     RecordStore
	runs      *importrun.Service
	linker    *Linker
	scheduler *Scheduler
	logger    zerolog.Logger
}

func NewService(cfg Config, store RecordStore, runs *importrun.Service, docs blobstore.BlobStore, probe ResourceProbe, logger zerolog.Logger) *Service {
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 5
	}
	if cfg.UploaderTag == "" {
		cfg.UploaderTag = "legacy-import"
	}
	logger = logger.With().Str("component", "legacyimport").Logger()
	return &Service{
		cfg:       cfg,
		store:     store,
		runs:      runs,
		linker:    &Linker{Docs: docs, UploaderTag: cfg.UploaderTag, MaxNoteBytes: cfg.MaxNoteBytes},
		scheduler: NewScheduler(cfg.Scheduler, probe, logger),
		logger:    logger,
	}
}

// ReportCap is the number of issues per list returned to callers.
func (s *Service) ReportCap() int { return s.cfg.ReportCap }

// Upload is a file accepted for import and kept under the work directory
// until it is committed.
type Upload struct {
	ID          uuid.UUID `json:"id"`
	TenantID    string    `json:"tenant_id"`
	FileName    string    `json:"file_name"`
	Size        int64     `json:"size"`
	ArchiveType string    `json:"archive_type"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Service) uploadDir(id uuid.UUID) string {
	return filepath.Join(s.cfg.WorkDir, "uploads", id.String())
}

// uploadPath returns where the upload's content is stored.
func (s *Service) uploadPath(u *Upload) string {
	return filepath.Join(s.uploadDir(u.ID), "source."+u.ArchiveType)
}

// SaveUpload streams an uploaded file under the work directory. The
// extension is checked before anything is written.
func (s *Service) SaveUpload(ctx context.Context, tenantID, fileName string, r io.Reader) (*Upload, error) {
	archiveType, ok := ArchiveTypeFor(fileName)
	if !ok {
		return nil, ErrUnsupportedUpload
	}
	u := &Upload{
		ID:          uuid.New(),
		TenantID:    tenantID,
		FileName:    filepath.Base(fileName),
		ArchiveType: archiveType,
		CreatedAt:   time.Now().UTC(),
	}
	dir := s.uploadDir(u.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	out, err := os.Create(s.uploadPath(u))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("store upload: %w", err)
	}
	u.Size = n

	meta, err := json.Marshal(u)
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, "upload.json"), meta, 0o640)
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("store upload metadata: %w", err)
	}
	s.logger.Info().Str("upload_id", u.ID.String()).Str("tenant", tenantID).Str("file", u.FileName).
		Int64("size", n).Msg("upload stored")
	return u, nil
}

// LoadUpload returns an upload of the tenant.
func (s *Service) LoadUpload(tenantID string, id uuid.UUID) (*Upload, error) {
	b, err := os.ReadFile(filepath.Join(s.uploadDir(id), "upload.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	var u Upload
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("decode upload: %w", err)
	}
	if u.TenantID != tenantID {
		return nil, ErrUploadNotFound
	}
	return &u, nil
}

// DeleteUpload removes an upload and its content.
func (s *Service) DeleteUpload(id uuid.UUID) error {
	return os.RemoveAll(s.uploadDir(id))
}

// datasetKeys are the names operators use to include or exclude datasets.
var datasetKeys = map[EntityType]string{
	EntityPatient:     "patients",
	EntityProvider:    "providers",
	EntityInsurance:   "insurance",
	EntityDiagnosis:   "diagnoses",
	EntityServiceCode: "service_codes",
	EntityAppointment: "appointments",
	EntityLedger:      "ledger",
}

// CommitOptions selects what a run imports. A dataset missing from
// Datasets is included. Entity and Mapping apply to single-table uploads.
type CommitOptions struct {
	Datasets map[string]bool   `json:"datasets,omitempty"`
	Entity   string            `json:"entity,omitempty"`
	Mapping  map[string]string `json:"mapping,omitempty"`
}

func (o CommitOptions) includes(key string) bool {
	v, ok := o.Datasets[key]
	return !ok || v
}

// singleTableEntity picks the entity of a single CSV/XLSX upload from the
// request, then from the file name.
func singleTableEntity(fileName string, opts CommitOptions) (EntityType, error) {
	if opts.Entity != "" {
		e, ok := ParseEntityType(opts.Entity)
		if !ok {
			return "", fmt.Errorf("%w %q", ErrUnknownEntity, opts.Entity)
		}
		return e, nil
	}
	if e, ok := RouteTable(fileName); ok {
		return e, nil
	}
	return "", ErrEntityRequired
}

// Commit runs the import of a stored upload and removes the upload when
// the run completes.
func (s *Service) Commit(ctx context.Context, tenantID string, id uuid.UUID, opts CommitOptions) (*importrun.Run, error) {
	u, err := s.LoadUpload(tenantID, id)
	if err != nil {
		return nil, err
	}
	run, err := s.Run(ctx, tenantID, s.uploadPath(u), u.FileName, opts)
	if run != nil && run.Status == importrun.StatusCompleted {
		if rerr := s.DeleteUpload(id); rerr != nil {
			s.logger.Warn().Err(rerr).Str("upload_id", id.String()).Msg("upload not removed")
		}
	}
	return run, err
}

// Run imports the file at path for the tenant and returns the finished run.
// The error is non-nil when the run could not be started, the archive could
// not be extracted, or the run could not be persisted; in the last two cases
// the failed run is returned as well.
func (s *Service) Run(ctx context.Context, tenantID, path, fileName string, opts CommitOptions) (*importrun.Run, error) {
	archiveType, ok := ArchiveTypeFor(fileName)
	if !ok {
		return nil, ErrUnsupportedUpload
	}
	var single EntityType
	if archiveType != ArchiveZIP {
		e, err := singleTableEntity(fileName, opts)
		if err != nil {
			return nil, err
		}
		single = e
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat import source: %w", err)
	}

	if db.TenantFromContext(ctx) == "" {
		ctx = db.WithTenantID(ctx, tenantID)
	}
	run := importrun.New(tenantID, filepath.Base(fileName), info.Size(), archiveType)
	if err := s.runs.Begin(ctx, run); err != nil {
		return nil, err
	}
	log := s.logger.With().Str("run_id", run.ID.String()).Str("tenant", tenantID).Logger()

	workDir := filepath.Join(s.cfg.WorkDir, "runs", run.ID.String())
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		run.RecordFatal(importrun.Issue{Category: importrun.CategoryExtraction, Message: "create work dir: " + err.Error()})
		return run, s.finish(ctx, run, importrun.StatusFailed, workDir, err)
	}

	sess := newSession(s.store, run, log)
	if archiveType == ArchiveZIP {
		err = s.runArchive(ctx, sess, tenantID, path, workDir, opts)
	} else {
		f := archive.ExtractedFile{RelPath: filepath.Base(fileName), AbsPath: path, Size: info.Size()}
		err = s.importTable(ctx, sess, f, single, NewMapper(opts.Mapping))
	}

	var extractErr *archive.ExtractionError
	switch {
	case err == nil:
		return run, s.finish(ctx, run, importrun.StatusCompleted, workDir, nil)
	case errors.As(err, &extractErr):
		run.RecordFatal(importrun.Issue{Category: importrun.CategoryExtraction, Message: err.Error(), File: extractErr.Entry})
		return run, s.finish(ctx, run, importrun.StatusFailed, workDir, err)
	case ctx.Err() != nil:
		run.Warn(importrun.Issue{Category: importrun.CategoryCancelled, Message: "import stopped before completion: " + ctx.Err().Error()})
		return run, s.finish(ctx, run, importrun.StatusCancelled, workDir, nil)
	default:
		run.RecordFatal(importrun.Issue{Category: importrun.CategoryStoreError, Message: err.Error()})
		return run, s.finish(ctx, run, importrun.StatusFailed, workDir, err)
	}
}

// finish persists the terminal run. The work directory is removed only
// when the run completed.
func (s *Service) finish(ctx context.Context, run *importrun.Run, status importrun.Status, workDir string, cause error) error {
	if err := s.runs.Complete(context.WithoutCancel(ctx), run, status); err != nil {
		return errors.Join(cause, err)
	}
	if run.Status == importrun.StatusCompleted {
		if err := os.RemoveAll(workDir); err != nil {
			s.logger.Warn().Err(err).Str("dir", workDir).Msg("work dir not removed")
		}
	}
	return cause
}

func (s *Service) runArchive(ctx context.Context, sess *session, tenantID, path, workDir string, opts CommitOptions) error {
	files, err := archive.Extract(ctx, path, filepath.Join(workDir, "extracted"), archive.Options{MaxTotalBytes: s.cfg.MaxExtractedBytes})
	if err != nil {
		return err
	}
	cls := Classify(files)
	for _, w := range cls.Warnings {
		sess.run.Warn(w)
	}
	sess.log.Info().Int("files", len(files)).Bool("chirotouch", cls.IsChirotouchLike).
		Int("tables", len(cls.Tables)).
		Int("scanned_documents", len(cls.Get(CategoryScannedDocuments))).
		Int("chart_notes", len(cls.Get(CategoryChartNotes))).
		Msg("archive classified")

	mapper := NewMapper(nil)
	for _, e := range tabularOrder {
		if !opts.includes(datasetKeys[e]) {
			continue
		}
		for _, f := range cls.TablesFor(e) {
			if err := s.importTable(ctx, sess, f, e, mapper); err != nil {
				return err
			}
		}
	}

	for _, cat := range []Category{CategoryScannedDocuments, CategoryChartNotes} {
		if !opts.includes(string(cat)) {
			continue
		}
		for _, f := range cls.Get(cat) {
			if err := ctx.Err(); err != nil {
				return err
			}
			sess.link(ctx, s.linker, tenantID, f, cat)
		}
	}
	return nil
}

func (s *Service) importTable(ctx context.Context, sess *session, f archive.ExtractedFile, e EntityType, m *Mapper) error {
	res, err := s.scheduler.RunFile(ctx, sess.run, f.AbsPath, f.RelPath, func(ctx context.Context, row tabular.Row) Outcome {
		return sess.Import(ctx, m.Map(e, f.RelPath, row))
	})
	sess.log.Info().Str("file", f.RelPath).Str("entity", string(e)).Str("state", string(res.State)).
		Int("rows", res.TotalRows).Int("processed", res.Processed).Int("created", res.Succeeded).
		Msg("table imported")
	return err
}
