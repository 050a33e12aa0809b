package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iago/health-records-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema:
//
//	CREATE TABLE upload_jobs (
//		id            TEXT PRIMARY KEY,
//		owner_key     TEXT NOT NULL,
//		file_id       TEXT NOT NULL DEFAULT '',
//		report_type   TEXT NOT NULL,
//		file_name     TEXT NOT NULL,
//		content_type  TEXT NOT NULL,
//		size_bytes    BIGINT NOT NULL,
//		page_count    INT NOT NULL DEFAULT 0,
//		status        TEXT NOT NULL,
//		poll_attempts INT NOT NULL DEFAULT 0,
//		analysis      JSONB,
//		risk_level    TEXT NOT NULL DEFAULT '',
//		error_message TEXT NOT NULL DEFAULT '',
//		last_sequence BIGINT NOT NULL DEFAULT 0,
//		created_at    TIMESTAMPTZ NOT NULL,
//		updated_at    TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX upload_jobs_owner_created ON upload_jobs (owner_key, created_at DESC);
type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

const jobColumns = `id, owner_key, file_id, report_type, file_name, content_type, size_bytes, page_count,
	status, poll_attempts, analysis, risk_level, error_message, last_sequence, created_at, updated_at`

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO upload_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		job.ID,
		job.OwnerKey,
		job.FileID,
		string(job.ReportType),
		job.FileName,
		job.ContentType,
		job.SizeBytes,
		job.PageCount,
		string(job.Status),
		job.PollAttempts,
		nullableJSON(job.Analysis),
		job.RiskLevel,
		job.ErrorMessage,
		job.LastSequence,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload job: %w", err)
	}
	return nil
}

// UpdateJob writes the mutable fields. The last_sequence guard keeps a
// redelivered older event from overwriting a newer snapshot.
func (r *PostgresJobsRepository) UpdateJob(ctx context.Context, job *domain.Job) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE upload_jobs
		SET file_id = $2,
			status = $3,
			poll_attempts = $4,
			analysis = $5,
			risk_level = $6,
			error_message = $7,
			last_sequence = $8,
			page_count = $9,
			updated_at = $10
		WHERE id = $1 AND last_sequence <= $8
	`,
		job.ID,
		job.FileID,
		string(job.Status),
		job.PollAttempts,
		nullableJSON(job.Analysis),
		job.RiskLevel,
		job.ErrorMessage,
		job.LastSequence,
		job.PageCount,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update upload job: %w", err)
	}
	if command.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM upload_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check upload job: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query upload job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) ListJobs(
	ctx context.Context,
	filter domain.JobListFilter,
) ([]domain.Job, int, error) {
	filter = normalizeFilter(filter)
	baseQuery, args := buildJobFilters(filter)

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count upload jobs: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT %s
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		jobColumns,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := r.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list upload jobs: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan upload job: %w", err)
		}
		items = append(items, *job)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate upload jobs: %w", rows.Err())
	}

	return items, total, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job        domain.Job
		reportType string
		status     string
		analysis   []byte
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerKey,
		&job.FileID,
		&reportType,
		&job.FileName,
		&job.ContentType,
		&job.SizeBytes,
		&job.PageCount,
		&status,
		&job.PollAttempts,
		&analysis,
		&job.RiskLevel,
		&job.ErrorMessage,
		&job.LastSequence,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.ReportType = domain.ReportType(reportType)
	job.Status = domain.JobStatus(status)
	if len(analysis) > 0 {
		job.Analysis = json.RawMessage(analysis)
	}
	return &job, nil
}

func buildJobFilters(filter domain.JobListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM upload_jobs WHERE 1 = 1")

	args := make([]any, 0, 2)
	argIndex := 1

	if ownerKey := strings.TrimSpace(filter.OwnerKey); ownerKey != "" {
		query.WriteString(fmt.Sprintf(" AND owner_key = $%d", argIndex))
		args = append(args, ownerKey)
		argIndex++
	}
	if filter.Status != "" {
		query.WriteString(fmt.Sprintf(" AND status = $%d", argIndex))
		args = append(args, string(filter.Status))
	}

	return query.String(), args
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return []byte(value)
}
