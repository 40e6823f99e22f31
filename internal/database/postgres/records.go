package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirelabs/dermatrack/internal/ai"
	"github.com/mirelabs/dermatrack/internal/analysis"
)

// RecordRepository provides PostgreSQL-backed analysis record storage.
type RecordRepository struct {
	pool *Pool
}

// NewRecordRepository creates a new PostgreSQL record repository.
func NewRecordRepository(pool *Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

const recordColumns = `
	id, subject_id, owner_id, analysis_type, status,
	keypoints, report, progress_delta,
	plan_start, plan_end, annotated_image_ref, error,
	created_at, completed_at
`

// Create inserts a fresh record. The caller sets the PROCESSING status before
// insertion so a concurrent status poll never observes an absent record.
func (r *RecordRepository) Create(ctx context.Context, rec *analysis.Record) error {
	report, delta, err := marshalPayloads(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO analysis_records (
			id, subject_id, owner_id, analysis_type, status,
			keypoints, report, progress_delta,
			plan_start, plan_end, annotated_image_ref, error,
			created_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.pool.Exec(ctx, query,
		rec.ID,
		rec.SubjectID,
		rec.OwnerID,
		string(rec.Type),
		string(rec.Status),
		nullableJSON(rec.Keypoints),
		report,
		delta,
		rec.PlanWindow.Start,
		rec.PlanWindow.End,
		rec.AnnotatedImageRef,
		nullableString(rec.Error),
		rec.CreatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create analysis record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID, returns nil if not found.
func (r *RecordRepository) Get(ctx context.Context, id string) (*analysis.Record, error) {
	query := "SELECT " + recordColumns + " FROM analysis_records WHERE id = $1"
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetBySubject retrieves the newest record for a subject, nil if none exists.
func (r *RecordRepository) GetBySubject(ctx context.Context, subjectID string) (*analysis.Record, error) {
	query := "SELECT " + recordColumns + `
		FROM analysis_records
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, subjectID))
}

// ActiveBaseline returns the newest completed INITIAL record whose plan
// window contains now for the given owner, or nil when there is none.
func (r *RecordRepository) ActiveBaseline(ctx context.Context, ownerID string, now time.Time) (*analysis.Record, error) {
	query := "SELECT " + recordColumns + `
		FROM analysis_records
		WHERE owner_id = $1
		  AND analysis_type = 'initial'
		  AND status = 'completed'
		  AND plan_start <= $2
		  AND plan_end > $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, ownerID, now))
}

// Complete writes the terminal completed state. The status guard makes the
// write a no-op for records that already reached a terminal state.
func (r *RecordRepository) Complete(ctx context.Context, rec *analysis.Record) error {
	report, delta, err := marshalPayloads(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE analysis_records
		SET status = 'completed',
		    owner_id = $2,
		    keypoints = $3,
		    report = $4,
		    progress_delta = $5,
		    completed_at = $6
		WHERE id = $1 AND status = 'processing'
	`

	_, err = r.pool.Exec(ctx, query,
		rec.ID,
		rec.OwnerID,
		nullableJSON(rec.Keypoints),
		report,
		delta,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("complete analysis record: %w", err)
	}
	return nil
}

// Fail writes the terminal failed state with a diagnostic message. Like
// Complete, the write never changes an already-terminal record.
func (r *RecordRepository) Fail(ctx context.Context, id, message string) error {
	query := `
		UPDATE analysis_records
		SET status = 'failed', error = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	_, err := r.pool.Exec(ctx, query, id, message)
	if err != nil {
		return fmt.Errorf("fail analysis record: %w", err)
	}
	return nil
}

// SetAnnotatedImageRef stores the annotated overlay reference. Partial update
// only; the record's report and status stay untouched.
func (r *RecordRepository) SetAnnotatedImageRef(ctx context.Context, recordID, ref string) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE analysis_records SET annotated_image_ref = $2 WHERE id = $1",
		recordID, ref)
	if err != nil {
		return fmt.Errorf("set annotated image ref: %w", err)
	}
	return nil
}

// ReplaceReportIssues swaps the issues array inside the stored report with
// the corrected list returned by the annotation service.
func (r *RecordRepository) ReplaceReportIssues(ctx context.Context, recordID string, issues []ai.Issue) error {
	data, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("marshal corrected issues: %w", err)
	}

	query := `
		UPDATE analysis_records
		SET report = jsonb_set(report, '{issues}', $2::jsonb)
		WHERE id = $1 AND report IS NOT NULL
	`
	_, err = r.pool.Exec(ctx, query, recordID, string(data))
	if err != nil {
		return fmt.Errorf("replace report issues: %w", err)
	}
	return nil
}

// ListStuck returns IDs of records still PROCESSING after the given age.
// Used by the sweep command to fail abandoned runs.
func (r *RecordRepository) ListStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	query := `
		SELECT id FROM analysis_records
		WHERE status = 'processing' AND created_at < NOW() - $1::interval
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("list stuck records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck records: %w", err)
	}
	return ids, nil
}

func (r *RecordRepository) scanOne(row *sql.Row) (*analysis.Record, error) {
	var (
		rec        analysis.Record
		recType    string
		status     string
		keypoints  sql.NullString
		report     sql.NullString
		delta      sql.NullString
		errMessage sql.NullString
	)

	err := row.Scan(
		&rec.ID,
		&rec.SubjectID,
		&rec.OwnerID,
		&recType,
		&status,
		&keypoints,
		&report,
		&delta,
		&rec.PlanWindow.Start,
		&rec.PlanWindow.End,
		&rec.AnnotatedImageRef,
		&errMessage,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis record: %w", err)
	}

	rec.Type = analysis.Type(recType)
	rec.Status = analysis.Status(status)
	rec.Error = errMessage.String
	if keypoints.Valid {
		rec.Keypoints = json.RawMessage(keypoints.String)
	}
	if report.Valid {
		var rep ai.Report
		if err := json.Unmarshal([]byte(report.String), &rep); err != nil {
			return nil, fmt.Errorf("unmarshal stored report: %w", err)
		}
		rec.Report = &rep
	}
	if delta.Valid {
		var d ai.ProgressDelta
		if err := json.Unmarshal([]byte(delta.String), &d); err != nil {
			return nil, fmt.Errorf("unmarshal stored progress delta: %w", err)
		}
		rec.ProgressDelta = &d
	}

	return &rec, nil
}

func marshalPayloads(rec *analysis.Record) (report, delta any, err error) {
	if rec.Report != nil {
		data, err := json.Marshal(rec.Report)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal report: %w", err)
		}
		report = string(data)
	}
	if rec.ProgressDelta != nil {
		data, err := json.Marshal(rec.ProgressDelta)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal progress delta: %w", err)
		}
		delta = string(data)
	}
	return report, delta, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
