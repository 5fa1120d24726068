package legacyimport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/archive"
	"github.com/ehr/legacyimport/internal/platform/blobstore"
	"github.com/ehr/legacyimport/internal/platform/chartnote"
)

// filenamePattern extracts patient keys from an attachment's base name.
// NamePair patterns yield two name tokens that also feed the name tier.
type filenamePattern struct {
	Name     string
	Pattern  *regexp.Regexp
	Tokens   func(m []string) []string
	NamePair bool
}

var filenamePatterns = []filenamePattern{
	{
		Name:    "numeric",
		Pattern: regexp.MustCompile(`^(\d{3,})`),
		Tokens:  func(m []string) []string { return []string{m[1]} },
	},
	{
		Name:    "account_code",
		Pattern: regexp.MustCompile(`^([A-Za-z]{2,}\d{2,})`),
		Tokens:  func(m []string) []string { return []string{m[1]} },
	},
	{
		Name:    "p_number",
		Pattern: regexp.MustCompile(`^[Pp](\d+)`),
		Tokens:  func(m []string) []string { return []string{"P" + m[1], m[1]} },
	},
	{
		Name:     "name_pair",
		Pattern:  regexp.MustCompile(`^([A-Za-z]+)[_\s,]+([A-Za-z]+)`),
		Tokens:   func(m []string) []string { return []string{m[1], m[2]} },
		NamePair: true,
	},
}

// FilenameMatch is the first pattern that matched a base name.
type FilenameMatch struct {
	Pattern  string
	Tokens   []string
	NamePair bool
}

// MatchFilename applies the filename patterns to the base name of name,
// without extension. The first matching pattern wins.
func MatchFilename(name string) (FilenameMatch, bool) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	for _, p := range filenamePatterns {
		if m := p.Pattern.FindStringSubmatch(base); m != nil {
			return FilenameMatch{Pattern: p.Name, Tokens: p.Tokens(m), NamePair: p.NamePair}, true
		}
	}
	return FilenameMatch{}, false
}

// lookupKeys returns the tokens plus their upper-case forms.
func (m FilenameMatch) lookupKeys() []string {
	keys := make([]string, 0, len(m.Tokens)*2)
	keys = append(keys, m.Tokens...)
	for _, t := range m.Tokens {
		if u := strings.ToUpper(t); u != t {
			keys = append(keys, u)
		}
	}
	return keys
}

// Linker attaches unstructured files to patients.
type Linker struct {
	Docs         blobstore.BlobStore
	UploaderTag  string
	MaxNoteBytes int64
}

var attachmentEntities = map[Category]importrun.Entity{
	CategoryScannedDocuments: importrun.EntityScannedDocument,
	CategoryChartNotes:       importrun.EntityChartNote,
}

// link resolves the patient a file belongs to, stores a copy of it and
// appends it to the patient's file list. Chart-note text files also yield
// a historical note when sections can be found.
func (s *session) link(ctx context.Context, l *Linker, tenantID string, f archive.ExtractedFile, cat Category) Outcome {
	issue := func(category, message, key string) importrun.Issue {
		return importrun.Issue{Category: category, Message: message, File: f.RelPath, Key: key}
	}

	match, ok := MatchFilename(f.Name())
	if !ok {
		s.run.RecordSkip(issue(importrun.CategoryMissingPatient, "no patient identifier in file name", ""))
		return OutcomeFailed
	}
	key := strings.Join(match.Tokens, "/")

	patientID, found, err := s.resolvePatient(ctx, match.lookupKeys()...)
	if err != nil {
		s.run.RecordError(issue(importrun.CategoryStoreError, err.Error(), key))
		return OutcomeFailed
	}
	if !found && match.NamePair {
		ids, err := s.resolveByName(ctx, match.Tokens[0], match.Tokens[1])
		if err != nil {
			s.run.RecordError(issue(importrun.CategoryStoreError, err.Error(), key))
			return OutcomeFailed
		}
		switch len(ids) {
		case 0:
		case 1:
			patientID, found = ids[0], true
			s.run.Warn(issue(importrun.CategoryAmbiguousMatch, "linked by patient name only", key))
			s.log.Warn().Str("file", f.RelPath).Str("tokens", key).Str("patient_id", patientID.String()).
				Msg("attachment linked by name substring match")
		default:
			s.run.RecordSkip(issue(importrun.CategoryAmbiguousMatch,
				fmt.Sprintf("%d patients match the name in the file name", len(ids)), key))
			return OutcomeFailed
		}
	}
	if !found {
		s.run.RecordSkip(issue(importrun.CategoryMissingPatient, "no patient matches the file name", key))
		return OutcomeFailed
	}

	out := s.attach(ctx, l, tenantID, patientID, f, cat, issue)
	if out != OutcomeFailed && cat == CategoryChartNotes && chartnote.IsNoteFile(f.Name()) {
		s.extractNote(ctx, l, patientID, f, issue)
	}
	return out
}

func (s *session) attach(ctx context.Context, l *Linker, tenantID string, patientID uuid.UUID, f archive.ExtractedFile, cat Category,
	issue func(category, message, key string) importrun.Issue) Outcome {
	name := f.Name()
	sum, err := fileHash(f.AbsPath)
	if err != nil {
		s.run.RecordError(issue(importrun.CategoryAttachmentFailed, err.Error(), ""))
		return OutcomeFailed
	}

	existing, err := s.store.FindPatientFile(ctx, patientID, name, sum)
	if err != nil {
		s.run.RecordError(issue(importrun.CategoryStoreError, err.Error(), name))
		return OutcomeFailed
	}
	if existing != nil {
		s.run.RecordDuplicate(issue(importrun.CategoryDuplicate, "file already attached to patient", name))
		return OutcomeDuplicate
	}

	src, err := os.Open(f.AbsPath)
	if err != nil {
		s.run.RecordError(issue(importrun.CategoryAttachmentFailed, err.Error(), ""))
		return OutcomeFailed
	}
	defer src.Close()

	meta, err := l.Docs.Upload(ctx, blobstore.BlobMetadata{
		TenantID:    tenantID,
		FileName:    name,
		PatientID:   patientID.String(),
		Category:    string(cat),
		Description: "Imported from legacy export: " + f.RelPath,
		CreatedBy:   l.UploaderTag,
	}, src)
	if err != nil {
		s.run.RecordError(issue(importrun.CategoryAttachmentFailed, err.Error(), name))
		return OutcomeFailed
	}

	pf := &PatientFile{
		PatientID:    patientID,
		OriginalName: name,
		StoredName:   meta.StoredName,
		Category:     string(cat),
		UploadedBy:   l.UploaderTag,
		Description:  meta.Description,
		ContentType:  meta.ContentType,
		Size:         meta.Size,
		SHA256:       sum,
	}
	if err := s.store.AppendPatientFile(ctx, pf); err != nil {
		if derr := l.Docs.Delete(ctx, tenantID, meta.StoredName); derr != nil {
			s.log.Warn().Err(derr).Str("stored_name", meta.StoredName).Msg("orphaned document not removed")
		}
		if errors.Is(err, ErrDuplicateKey) {
			s.run.RecordDuplicate(issue(importrun.CategoryDuplicate, "file already attached to patient", name))
			return OutcomeDuplicate
		}
		s.run.RecordError(issue(importrun.CategoryStoreError, err.Error(), name))
		return OutcomeFailed
	}
	s.run.RecordSuccess(attachmentEntities[cat])
	return OutcomeCreated
}

func (s *session) extractNote(ctx context.Context, l *Linker, patientID uuid.UUID, f archive.ExtractedFile,
	issue func(category, message, key string) importrun.Issue) {
	name := f.Name()
	if l.MaxNoteBytes > 0 && f.Size > l.MaxNoteBytes {
		s.run.Warn(issue(importrun.CategoryNoteTooLarge,
			fmt.Sprintf("note is %d bytes, over the %d byte limit; attached without extraction", f.Size, l.MaxNoteBytes), name))
		return
	}
	raw, err := os.ReadFile(f.AbsPath)
	if err != nil {
		s.run.Warn(issue(importrun.CategoryParseError, err.Error(), name))
		return
	}
	note := chartnote.Extract(chartnote.ToText(raw), name)
	if note == nil {
		s.log.Debug().Str("file", f.RelPath).Msg("no SOAP sections found, note not stored")
		return
	}

	hn := &HistoricalNote{
		PatientID:    patientID,
		SourceFile:   name,
		NoteType:     NoteTypeHistoricalImport,
		VisitDate:    note.VisitDate,
		ProviderName: note.ProviderName,
		Subjective:   note.Subjective,
		Objective:    note.Objective,
		Assessment:   note.Assessment,
		Plan:         note.Plan,
		PainScale:    note.PainScale,
	}
	existing, err := s.store.FindHistoricalNote(ctx, patientID, name)
	if err != nil {
		s.run.RecordError(issue(importrun.CategoryStoreError, err.Error(), name))
		return
	}
	if existing != nil {
		s.run.RecordDuplicate(issue(importrun.CategoryDuplicate, "historical note already exists", name))
		return
	}
	if err := s.store.CreateHistoricalNote(ctx, hn); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			s.run.RecordDuplicate(issue(importrun.CategoryDuplicate, "historical note already exists", name))
			return
		}
		s.run.RecordError(issue(importrun.CategoryStoreError, err.Error(), name))
		return
	}
	s.run.RecordSuccess(importrun.EntityHistoricalNote)
}

func fileHash(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(p), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
