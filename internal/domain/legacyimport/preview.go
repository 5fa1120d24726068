package legacyimport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/archive"
	"github.com/ehr/legacyimport/internal/platform/tabular"
)

// FilePreview describes one file of a dataset. Sample holds the first rows
// mapped to canonical fields, or the raw rows when no entity applies.
type FilePreview struct {
	Path   string              `json:"path"`
	Size   int64               `json:"size"`
	Entity EntityType          `json:"entity,omitempty"`
	Rows   int                 `json:"rows"`
	Sample []map[string]string `json:"sample,omitempty"`
	Error  string              `json:"error,omitempty"`
}

type DatasetPreview struct {
	Category Category      `json:"category"`
	Files    []FilePreview `json:"files"`
	Rows     int           `json:"rows"`
}

// Preview is what an import would see, computed without writing anything
// to the record store.
type Preview struct {
	FileName         string            `json:"file_name"`
	ArchiveType      string            `json:"archive_type"`
	IsChirotouchLike bool              `json:"is_chirotouch_like"`
	Datasets         []DatasetPreview  `json:"datasets"`
	Counts           map[string]int    `json:"counts"`
	Warnings         []importrun.Issue `json:"warnings"`
}

var previewOrder = []Category{CategoryTables, CategoryLedger, CategoryScannedDocuments, CategoryChartNotes}

// PreviewUpload previews a stored upload.
func (s *Service) PreviewUpload(ctx context.Context, u *Upload, opts CommitOptions) (*Preview, error) {
	return s.Preview(ctx, s.uploadPath(u), u.FileName, opts)
}

// Preview classifies the file at path and samples its tables. ZIPs are
// extracted into a temporary directory that is removed afterwards.
func (s *Service) Preview(ctx context.Context, path, fileName string, opts CommitOptions) (*Preview, error) {
	archiveType, ok := ArchiveTypeFor(fileName)
	if !ok {
		return nil, ErrUnsupportedUpload
	}
	p := &Preview{
		FileName:    filepath.Base(fileName),
		ArchiveType: archiveType,
		Counts:      make(map[string]int),
		Warnings:    []importrun.Issue{},
	}
	mapper := NewMapper(opts.Mapping)

	if archiveType != ArchiveZIP {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat preview source: %w", err)
		}
		e, _ := singleTableEntity(fileName, opts)
		fp := s.previewTable(archive.ExtractedFile{RelPath: p.FileName, AbsPath: path, Size: info.Size()}, e, mapper)
		p.Datasets = []DatasetPreview{{Category: CategoryTables, Files: []FilePreview{fp}, Rows: fp.Rows}}
		if e != "" {
			p.Counts[datasetKeys[e]] = fp.Rows
		}
		return p, nil
	}

	if err := os.MkdirAll(s.cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "preview-*")
	if err != nil {
		return nil, fmt.Errorf("create preview dir: %w", err)
	}
	defer os.RemoveAll(dir)

	files, err := archive.Extract(ctx, path, dir, archive.Options{MaxTotalBytes: s.cfg.MaxExtractedBytes})
	if err != nil {
		return nil, err
	}
	cls := Classify(files)
	p.IsChirotouchLike = cls.IsChirotouchLike
	p.Warnings = append(p.Warnings, cls.Warnings...)

	routed := make(map[string]EntityType, len(cls.Tables))
	for _, t := range cls.Tables {
		routed[t.File.RelPath] = t.Entity
	}
	for _, cat := range previewOrder {
		ds := DatasetPreview{Category: cat, Files: []FilePreview{}}
		for _, f := range cls.Get(cat) {
			var fp FilePreview
			switch cat {
			case CategoryTables, CategoryLedger:
				e := routed[f.RelPath]
				fp = s.previewTable(f, e, mapper)
				if e != "" {
					p.Counts[datasetKeys[e]] += fp.Rows
				}
			default:
				fp = FilePreview{Path: f.RelPath, Size: f.Size}
				p.Counts[string(cat)]++
			}
			ds.Rows += fp.Rows
			ds.Files = append(ds.Files, fp)
		}
		p.Datasets = append(p.Datasets, ds)
	}
	return p, nil
}

func (s *Service) previewTable(f archive.ExtractedFile, e EntityType, m *Mapper) FilePreview {
	fp := FilePreview{Path: f.RelPath, Size: f.Size, Entity: e}
	if !tabular.IsTabular(f.RelPath) {
		fp.Error = tabular.ErrUnsupportedFormat.Error()
		return fp
	}
	rows, total, err := tabular.Scan(f.AbsPath, s.cfg.PreviewRows)
	fp.Rows = total
	if err != nil {
		fp.Error = err.Error()
	}
	for _, row := range rows {
		if e == "" {
			fp.Sample = append(fp.Sample, row.Map())
			continue
		}
		fp.Sample = append(fp.Sample, m.Map(e, f.RelPath, row).Fields)
	}
	return fp
}
