package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrActiveJobExists signals that a PENDING/INPROGRESS job already exists for
// the source file. Callers treat it as "return the existing job", not a
// failure.
var ErrActiveJobExists = errors.New("active job already exists for source")

// NewJobParams carries the immutable request fields for job creation.
type NewJobParams struct {
	SourceFileID  string
	OwnerID       string
	SourceURN     string
	RemoteJobID   string
	OutputFormats []string
	Priority      Priority
	QualityLevel  string
	CustomOptions map[string]any
	MaxRetries    int
}

// Create inserts a new PENDING job. The partial unique index over active
// statuses makes the check-and-insert atomic; a losing racer gets
// ErrActiveJobExists.
func (s *Store) Create(ctx context.Context, params NewJobParams) (*Job, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	formatsJSON, err := json.Marshal(params.OutputFormats)
	if err != nil {
		return nil, fmt.Errorf("marshal output formats: %w", err)
	}
	var optionsJSON []byte
	if len(params.CustomOptions) > 0 {
		optionsJSON, err = json.Marshal(params.CustomOptions)
		if err != nil {
			return nil, fmt.Errorf("marshal custom options: %w", err)
		}
	}

	priority := params.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	internalID := uuid.NewString()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO translation_jobs (
            internal_id, remote_job_id, source_file_id, owner_id, source_urn,
            output_formats_json, priority, quality_level, custom_options_json,
            status, progress, retry_count, max_retries, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		internalID,
		nullableString(params.RemoteJobID),
		params.SourceFileID,
		nullableString(params.OwnerID),
		params.SourceURN,
		string(formatsJSON),
		priority,
		nullableString(params.QualityLevel),
		nullableString(string(optionsJSON)),
		StatusPending,
		maxRetries,
		timestamp,
		timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveJobExists
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a job by local identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM translation_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByInternalID fetches a job by its stable internal identifier.
func (s *Store) GetByInternalID(ctx context.Context, internalID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM translation_jobs WHERE internal_id = ?`, internalID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by internal id: %w", err)
	}
	return job, nil
}

// ActiveBySource returns the PENDING/INPROGRESS job for a source file, if any.
func (s *Store) ActiveBySource(ctx context.Context, sourceFileID string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM translation_jobs
         WHERE source_file_id = ? AND status IN (?, ?) ORDER BY id LIMIT 1`,
		sourceFileID, StatusPending, StatusInProgress,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active by source: %w", err)
	}
	return job, nil
}

// FindByRemoteJob returns the job tracking a remote service job identifier.
func (s *Store) FindByRemoteJob(ctx context.Context, remoteJobID string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM translation_jobs WHERE remote_job_id = ? ORDER BY id DESC LIMIT 1`,
		remoteJobID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by remote job: %w", err)
	}
	return job, nil
}

// FindBySourceURN returns the most relevant job for a source URN: the active
// one when present, otherwise the newest.
func (s *Store) FindBySourceURN(ctx context.Context, sourceURN string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM translation_jobs
         WHERE source_urn = ?
         ORDER BY CASE WHEN status IN (?, ?) THEN 0 ELSE 1 END, id DESC
         LIMIT 1`,
		sourceURN, StatusPending, StatusInProgress,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by source urn: %w", err)
	}
	return job, nil
}

// Update persists changes to an existing job.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()

	warningsJSON, err := marshalWarnings(job.Warnings)
	if err != nil {
		return err
	}
	formatsJSON, err := json.Marshal(job.OutputFormats)
	if err != nil {
		return fmt.Errorf("marshal output formats: %w", err)
	}

	_, err = s.execWithRetry(
		ctx,
		`UPDATE translation_jobs
         SET remote_job_id = ?, owner_id = ?, source_urn = ?, output_formats_json = ?,
             priority = ?, quality_level = ?, custom_options_json = ?, status = ?,
             progress = ?, progress_message = ?, warnings_json = ?, retry_count = ?,
             max_retries = ?, error_message = ?, error_code = ?, updated_at = ?,
             started_at = ?, completed_at = ?, last_checked_at = ?,
             manifest_json = ?, output_urns_json = ?, quality_metrics_json = ?
         WHERE id = ?`,
		nullableString(job.RemoteJobID),
		nullableString(job.OwnerID),
		job.SourceURN,
		string(formatsJSON),
		job.Priority,
		nullableString(job.QualityLevel),
		nullableString(job.CustomOptionsJSON),
		job.Status,
		job.Progress,
		nullableString(job.ProgressMessage),
		nullableString(warningsJSON),
		job.RetryCount,
		job.MaxRetries,
		nullableString(job.ErrorMessage),
		nullableString(job.ErrorCode),
		job.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		nullableTime(job.LastCheckedAt),
		nullableString(job.ManifestJSON),
		nullableString(job.OutputURNsJSON),
		nullableString(job.QualityMetricsJSON),
		job.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveJobExists
		}
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// List returns jobs filtered by status set (or all jobs when none given).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM translation_jobs`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var items []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, job)
	}
	return items, rows.Err()
}

// Delete removes a job by identifier.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM translation_jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// PruneTerminal removes terminal jobs whose completion is older than cutoff.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM translation_jobs
         WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountStats returns a count of jobs grouped by status.
func (s *Store) CountStats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM translation_jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{PerStatus: make(map[Status]int)}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.PerStatus[status] = count
		stats.Total += count
		switch status {
		case StatusPending, StatusInProgress:
			stats.Active += count
		case StatusSuccess:
			stats.Succeeded += count
		case StatusFailed:
			stats.Failed += count
		case StatusTimeout:
			stats.Timeout += count
		case StatusCancelled:
			stats.Cancelled += count
		}
	}
	return stats, rows.Err()
}

const jobColumns = "id, internal_id, remote_job_id, source_file_id, owner_id, source_urn, " +
	"output_formats_json, priority, quality_level, custom_options_json, status, progress, " +
	"progress_message, warnings_json, retry_count, max_retries, error_message, error_code, " +
	"created_at, updated_at, started_at, completed_at, last_checked_at, " +
	"manifest_json, output_urns_json, quality_metrics_json"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              int64
		internalID      string
		remoteJobID     sql.NullString
		sourceFileID    string
		ownerID         sql.NullString
		sourceURN       string
		formatsJSON     string
		priority        string
		qualityLevel    sql.NullString
		optionsJSON     sql.NullString
		statusStr       string
		progress        float64
		progressMessage sql.NullString
		warningsJSON    sql.NullString
		retryCount      int
		maxRetries      int
		errorMessage    sql.NullString
		errorCode       sql.NullString
		createdRaw      string
		updatedRaw      string
		startedRaw      sql.NullString
		completedRaw    sql.NullString
		lastCheckedRaw  sql.NullString
		manifestJSON    sql.NullString
		outputsJSON     sql.NullString
		metricsJSON     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&internalID,
		&remoteJobID,
		&sourceFileID,
		&ownerID,
		&sourceURN,
		&formatsJSON,
		&priority,
		&qualityLevel,
		&optionsJSON,
		&statusStr,
		&progress,
		&progressMessage,
		&warningsJSON,
		&retryCount,
		&maxRetries,
		&errorMessage,
		&errorCode,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
		&lastCheckedRaw,
		&manifestJSON,
		&outputsJSON,
		&metricsJSON,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:                 id,
		InternalID:         internalID,
		RemoteJobID:        remoteJobID.String,
		SourceFileID:       sourceFileID,
		OwnerID:            ownerID.String,
		SourceURN:          sourceURN,
		Priority:           Priority(priority),
		QualityLevel:       qualityLevel.String,
		CustomOptionsJSON:  optionsJSON.String,
		Status:             Status(statusStr),
		Progress:           progress,
		ProgressMessage:    progressMessage.String,
		RetryCount:         retryCount,
		MaxRetries:         maxRetries,
		ErrorMessage:       errorMessage.String,
		ErrorCode:          errorCode.String,
		ManifestJSON:       manifestJSON.String,
		OutputURNsJSON:     outputsJSON.String,
		QualityMetricsJSON: metricsJSON.String,
	}

	if err := json.Unmarshal([]byte(formatsJSON), &job.OutputFormats); err != nil {
		return nil, fmt.Errorf("unmarshal output formats: %w", err)
	}
	if warningsJSON.Valid && warningsJSON.String != "" {
		if err := json.Unmarshal([]byte(warningsJSON.String), &job.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}

	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			job.StartedAt = &started
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			job.CompletedAt = &completed
		}
	}
	if lastCheckedRaw.Valid {
		if checked, err := parseTimeString(lastCheckedRaw.String); err == nil {
			job.LastCheckedAt = &checked
		}
	}
	return job, nil
}

func marshalWarnings(warnings []string) (string, error) {
	if len(warnings) == 0 {
		return "", nil
	}
	data, err := json.Marshal(warnings)
	if err != nil {
		return "", fmt.Errorf("marshal warnings: %w", err)
	}
	return string(data), nil
}
