package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mirelabs/dermatrack/internal/analysis"
)

// SubjectRepository provides PostgreSQL-backed subject storage.
type SubjectRepository struct {
	pool *Pool
}

// NewSubjectRepository creates a new PostgreSQL subject repository.
func NewSubjectRepository(pool *Pool) *SubjectRepository {
	return &SubjectRepository{pool: pool}
}

// Save stores a subject, replacing any previous version.
func (r *SubjectRepository) Save(ctx context.Context, sub *analysis.Subject) error {
	answers, err := json.Marshal(sub.Answers)
	if err != nil {
		return fmt.Errorf("marshal subject answers: %w", err)
	}

	query := `
		INSERT INTO subjects (id, owner_id, front_image_ref, left_image_ref, right_image_ref, answers)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			front_image_ref = EXCLUDED.front_image_ref,
			left_image_ref = EXCLUDED.left_image_ref,
			right_image_ref = EXCLUDED.right_image_ref,
			answers = EXCLUDED.answers
	`

	_, err = r.pool.Exec(ctx, query,
		sub.ID, sub.OwnerID, sub.FrontImageRef, sub.LeftImageRef, sub.RightImageRef, string(answers))
	if err != nil {
		return fmt.Errorf("save subject: %w", err)
	}
	return nil
}

// Get retrieves a subject by ID.
func (r *SubjectRepository) Get(ctx context.Context, subjectID string) (*analysis.Subject, error) {
	query := `
		SELECT id, owner_id, front_image_ref, left_image_ref, right_image_ref, answers
		FROM subjects
		WHERE id = $1
	`

	var (
		sub     analysis.Subject
		answers []byte
	)
	err := r.pool.QueryRow(ctx, query, subjectID).Scan(
		&sub.ID,
		&sub.OwnerID,
		&sub.FrontImageRef,
		&sub.LeftImageRef,
		&sub.RightImageRef,
		&answers,
	)
	if err == sql.ErrNoRows {
		return nil, analysis.ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}

	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &sub.Answers); err != nil {
			return nil, fmt.Errorf("unmarshal subject answers: %w", err)
		}
	}

	return &sub, nil
}

// AssignOwner stamps the owner on a subject, used when an anonymous session
// is merged into an account.
func (r *SubjectRepository) AssignOwner(ctx context.Context, subjectID, ownerID string) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE subjects SET owner_id = $2 WHERE id = $1",
		subjectID, ownerID)
	if err != nil {
		return fmt.Errorf("assign subject owner: %w", err)
	}
	return nil
}
