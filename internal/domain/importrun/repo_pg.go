package importrun

import (
	"context"
	"errors"

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

type runRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &runRepoPG{pool: pool} }

func (r *runRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const runCols = `id, tenant_id, source_file_name, source_size, archive_type, status,
	started_at, finished_at, total_processed, success_count, error_count,
	duplicate_count, skipped_count, entity_counts, errors, duplicates, warnings,
	created_at`

func (r *runRepoPG) scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.TenantID, &run.SourceFileName, &run.SourceSize, &run.ArchiveType, &run.Status,
		&run.StartedAt, &run.FinishedAt, &run.Summary.TotalProcessed, &run.Summary.Success, &run.Summary.Errors,
		&run.Summary.Duplicates, &run.Summary.Skipped, &run.EntityCounts, &run.Errors, &run.Duplicates, &run.Warnings,
		&run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func nonNil(issues []Issue) []Issue {
	if issues == nil {
		return []Issue{}
	}
	return issues
}

func (r *runRepoPG) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.EntityCounts == nil {
		run.EntityCounts = make(map[Entity]int)
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO import_run (id, tenant_id, source_file_name, source_size, archive_type, status,
			started_at, finished_at, total_processed, success_count, error_count,
			duplicate_count, skipped_count, entity_counts, errors, duplicates, warnings, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		run.ID, run.TenantID, run.SourceFileName, run.SourceSize, run.ArchiveType, run.Status,
		run.StartedAt, run.FinishedAt, run.Summary.TotalProcessed, run.Summary.Success, run.Summary.Errors,
		run.Summary.Duplicates, run.Summary.Skipped, run.EntityCounts,
		nonNil(run.Errors), nonNil(run.Duplicates), nonNil(run.Warnings), run.CreatedAt)
	return err
}

func (r *runRepoPG) Save(ctx context.Context, run *Run) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE import_run SET status=$2, started_at=$3, finished_at=$4,
			total_processed=$5, success_count=$6, error_count=$7, duplicate_count=$8, skipped_count=$9,
			entity_counts=$10, errors=$11, duplicates=$12, warnings=$13
		WHERE id = $1`,
		run.ID, run.Status, run.StartedAt, run.FinishedAt,
		run.Summary.TotalProcessed, run.Summary.Success, run.Summary.Errors, run.Summary.Duplicates, run.Summary.Skipped,
		run.EntityCounts, nonNil(run.Errors), nonNil(run.Duplicates), nonNil(run.Warnings))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *runRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM import_run WHERE id = $1`, id))
}

func (r *runRepoPG) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM import_run WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+runCols+` FROM import_run WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, rows.Err()
}
