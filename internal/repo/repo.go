package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"careflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a lost compare-and-set race on the project version.
	ErrConflict = errors.New("version conflict")
)

const projectColumns = `id,title,status,
intake_approved,research_approved,methodology_approved,ethics_approved,documents_approved,
intake_json,research_json,methodology_json,ethics_json,documents_json,checklist_json,
version,created_at,updated_at`

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.Title), string(p.Status),
		p.Checkpoints[domain.StageIntake], p.Checkpoints[domain.StageResearch],
		p.Checkpoints[domain.StageMethodology], p.Checkpoints[domain.StageEthics],
		p.Checkpoints[domain.StageDocuments],
		nullableStringPtr(p.Intake), nullableStringPtr(p.Research), nullableStringPtr(p.Methodology),
		nullableStringPtr(p.Ethics), nullableStringPtr(p.Documents), nullableStringPtr(p.Checklist),
		p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var title, intake, research, methodology, ethics, documents, checklist sql.NullString
	var status string
	err := scan(&p.ID, &title, &status,
		&p.Checkpoints[domain.StageIntake], &p.Checkpoints[domain.StageResearch],
		&p.Checkpoints[domain.StageMethodology], &p.Checkpoints[domain.StageEthics],
		&p.Checkpoints[domain.StageDocuments],
		&intake, &research, &methodology, &ethics, &documents, &checklist,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.Status(status)
	if title.Valid {
		p.Title = title.String
	}
	if intake.Valid {
		p.Intake = &intake.String
	}
	if research.Valid {
		p.Research = &research.String
	}
	if methodology.Valid {
		p.Methodology = &methodology.String
	}
	if ethics.Valid {
		p.Ethics = &ethics.String
	}
	if documents.Valid {
		p.Documents = &documents.String
	}
	if checklist.Valid {
		p.Checklist = &checklist.String
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectCAS writes the project guarded by its loaded version. The row
// is matched on (id, version); zero affected rows means another writer got
// there first and the caller must reload and retry. p.Version holds the
// expected version and is bumped on success.
func (r Repo) UpdateProjectCAS(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET title=?, status=?,
intake_approved=?, research_approved=?, methodology_approved=?, ethics_approved=?, documents_approved=?,
intake_json=?, research_json=?, methodology_json=?, ethics_json=?, documents_json=?, checklist_json=?,
version=version+1, updated_at=? WHERE id=? AND version=?`,
		nullable(p.Title), string(p.Status),
		p.Checkpoints[domain.StageIntake], p.Checkpoints[domain.StageResearch],
		p.Checkpoints[domain.StageMethodology], p.Checkpoints[domain.StageEthics],
		p.Checkpoints[domain.StageDocuments],
		nullableStringPtr(p.Intake), nullableStringPtr(p.Research), nullableStringPtr(p.Methodology),
		nullableStringPtr(p.Ethics), nullableStringPtr(p.Documents), nullableStringPtr(p.Checklist),
		p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// distinguish a missing row from a lost race
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=?`, p.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	p.Version++
	return nil
}

type AuditFilters struct {
	ProjectID string
	Action    string
	Limit     int
	Cursor    int64
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,action,project_id,actor_id,prev_status,new_status,details_json FROM audit_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryAudit(ctx, query, args...)
}

// AuditAfter returns entries with IDs greater than the cursor in ascending
// order; the outbound webhook dispatcher drains from here.
func (r Repo) AuditAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,action,project_id,actor_id,prev_status,new_status,details_json FROM audit_log %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryAudit(ctx, query, args...)
}

// LatestAuditID returns the most recent audit entry ID.
func (r Repo) LatestAuditID(ctx context.Context, projectID string) (int64, error) {
	clause := ""
	var args []any
	if projectID != "" {
		clause = " WHERE project_id=?"
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`+clause, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var prev, next, details sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.ProjectID, &e.ActorID, &prev, &next, &details); err != nil {
			return nil, err
		}
		if prev.Valid {
			e.PrevStatus = prev.String
		}
		if next.Valid {
			e.NewStatus = next.String
		}
		if details.Valid {
			e.Details = details.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
