package legacyimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/tabular"
)

// ResourceProbe samples the memory the process currently uses.
type ResourceProbe interface {
	MemoryUsage() uint64
}

// RuntimeProbe reports live heap bytes from the Go runtime.
type RuntimeProbe struct{}

func (RuntimeProbe) MemoryUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// FileState is the scheduler state of one file.
type FileState string

const (
	FileIdle      FileState = "idle"
	FileRunning   FileState = "running"
	FileCompleted FileState = "completed"
	FileAborted   FileState = "aborted"
)

type SchedulerConfig struct {
	BatchSize      int
	BatchPause     time.Duration
	MemoryCeiling  uint64 // bytes; zero disables the breaker
	MaxRowsPerFile int    // zero disables the cap
	ReclaimMemory  bool
}

// DefaultSchedulerConfig matches the configuration defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:      100,
		BatchPause:     50 * time.Millisecond,
		MemoryCeiling:  1 << 30,
		MaxRowsPerFile: 50000,
		ReclaimMemory:  true,
	}
}

// Scheduler feeds the rows of one file to a handler in fixed batches,
// pausing between batches and aborting the file when memory use passes the
// ceiling.
type Scheduler struct {
	cfg     SchedulerConfig
	probe   ResourceProbe
	logger  zerolog.Logger
	sleep   func(time.Duration)
	reclaim func()
}

func NewScheduler(cfg SchedulerConfig, probe ResourceProbe, logger zerolog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSchedulerConfig().BatchSize
	}
	if probe == nil {
		probe = RuntimeProbe{}
	}
	return &Scheduler{
		cfg:     cfg,
		probe:   probe,
		logger:  logger,
		sleep:   time.Sleep,
		reclaim: debug.FreeOSMemory,
	}
}

// FileResult is what happened to one file.
type FileResult struct {
	File      string    `json:"file"`
	State     FileState `json:"state"`
	TotalRows int       `json:"total_rows"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Truncated bool      `json:"truncated,omitempty"`
}

// RowHandler imports one row.
type RowHandler func(ctx context.Context, row tabular.Row) Outcome

// RunFile streams the table at path through handle. Parse failures and
// resource limits become warnings on run; the returned error is non-nil
// only when ctx ends.
func (s *Scheduler) RunFile(ctx context.Context, run *importrun.Run, path, name string, handle RowHandler) (FileResult, error) {
	res := FileResult{File: name, State: FileIdle}
	log := s.logger.With().Str("file", name).Logger()

	total, err := tabular.CountRows(path)
	if err != nil {
		run.Warn(importrun.Issue{Category: fileErrorCategory(err), Message: err.Error(), File: name})
		log.Warn().Err(err).Msg("table skipped")
		res.State = FileAborted
		return res, nil
	}
	res.TotalRows = total

	limit := total
	if s.cfg.MaxRowsPerFile > 0 && total > s.cfg.MaxRowsPerFile {
		limit = s.cfg.MaxRowsPerFile
		res.Truncated = true
		run.Warn(importrun.Issue{
			Category: importrun.CategoryLargeDataset,
			Message: fmt.Sprintf("file has %d rows; only the first %d were imported. Split the export into smaller files to import the rest",
				total, limit),
			File: name,
		})
		log.Warn().Int("rows", total).Int("cap", limit).Msg("table truncated to row cap")
	}

	r, err := tabular.Open(path)
	if err != nil {
		run.Warn(importrun.Issue{Category: fileErrorCategory(err), Message: err.Error(), File: name})
		res.State = FileAborted
		return res, nil
	}
	defer r.Close()

	res.State = FileRunning
	log.Debug().Int("rows", limit).Msg("table started")
	for res.Processed < limit {
		if err := ctx.Err(); err != nil {
			res.State = FileAborted
			return res, err
		}
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			run.Warn(importrun.Issue{
				Category: importrun.CategoryParseError,
				Message:  fmt.Sprintf("stopped reading after %d rows: %v", res.Processed, err),
				File:     name,
				Row:      res.Processed + 1,
			})
			res.State = FileAborted
			return res, nil
		}
		if handle(ctx, row) == OutcomeCreated {
			res.Succeeded++
		}
		res.Processed++

		if res.Processed%s.cfg.BatchSize == 0 && res.Processed < limit {
			if s.overCeiling(run, name, &res, log) {
				return res, nil
			}
			s.sleep(s.cfg.BatchPause)
		}
	}
	res.State = FileCompleted
	log.Debug().Int("processed", res.Processed).Int("succeeded", res.Succeeded).Msg("table completed")
	return res, nil
}

// overCeiling runs the between-batch memory check and records the abort.
func (s *Scheduler) overCeiling(run *importrun.Run, name string, res *FileResult, log zerolog.Logger) bool {
	if s.cfg.ReclaimMemory {
		s.reclaim()
	}
	if s.cfg.MemoryCeiling == 0 {
		return false
	}
	used := s.probe.MemoryUsage()
	if used <= s.cfg.MemoryCeiling {
		return false
	}
	res.State = FileAborted
	run.Warn(importrun.Issue{
		Category: importrun.CategoryMemoryLimit,
		Message: fmt.Sprintf("memory use %d MB passed the %d MB ceiling after %d rows (%d imported); remaining rows skipped. Split the export into smaller files and import them separately",
			used>>20, s.cfg.MemoryCeiling>>20, res.Processed, res.Succeeded),
		File: name,
		Row:  res.Processed,
	})
	log.Warn().Uint64("memory_bytes", used).Int("processed", res.Processed).Msg("memory ceiling reached, table aborted")
	return true
}

func fileErrorCategory(err error) string {
	if errors.Is(err, fs.ErrNotExist) {
		return importrun.CategoryMissingFile
	}
	return importrun.CategoryParseError
}
