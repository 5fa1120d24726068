package legacyimport

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/blobstore"
	"github.com/ehr/legacyimport/internal/platform/db"
)

const testTenant = "clinic_a"

type fixedProbe struct{ bytes uint64 }

func (p fixedProbe) MemoryUsage() uint64 { return p.bytes }

type testEnv struct {
	svc   *Service
	store *MemoryStore
	docs  *blobstore.InMemoryBlobStore
	runs  *importrun.MemoryRepo
	ctx   context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := Config{
		WorkDir: t.TempDir(),
		Scheduler: SchedulerConfig{
			BatchSize:      100,
			MaxRowsPerFile: 50000,
		},
		MaxNoteBytes: 1 << 20,
		ReportCap:    50,
		PreviewRows:  3,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env := &testEnv{
		store: NewMemoryStore(),
		docs:  blobstore.NewInMemoryBlobStore(),
		runs:  importrun.NewMemoryRepo(),
		ctx:   db.WithTenantID(context.Background(), testTenant),
	}
	env.svc = NewService(cfg, env.store, importrun.NewService(env.runs, zerolog.Nop()), env.docs, fixedProbe{}, zerolog.Nop())
	env.svc.scheduler.sleep = func(time.Duration) {}
	env.svc.scheduler.reclaim = func() {}
	return env
}

// writeZip builds a ZIP archive holding files in the given order.
func writeZip(t *testing.T, entries ...[2]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e[0])
		require.NoError(t, err)
		_, err = w.Write([]byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (e *testEnv) run(t *testing.T, path, name string, opts CommitOptions) *importrun.Run {
	t.Helper()
	run, err := e.svc.Run(e.ctx, testTenant, path, name, opts)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func categories(issues []importrun.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Category)
	}
	return out
}

func countCategory(issues []importrun.Issue, category string) int {
	n := 0
	for _, is := range issues {
		if is.Category == category {
			n++
		}
	}
	return n
}
