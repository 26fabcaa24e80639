package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nadsoft/students-api/internal/models"
)

const studentColumns = "id, first_name, last_name, email, dob, created_at, updated_at"

// marksPerInsert keeps each marks INSERT well under Postgres' limit of
// 65535 bind parameters (four per mark).
const marksPerInsert = 1000

// StudentRepository manages persistence for students and their marks.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// List returns one page of students, newest identity first, plus the total row count.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM students"); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}

	query := "SELECT " + studentColumns + " FROM students ORDER BY id DESC LIMIT $1 OFFSET $2"
	students := make([]models.Student, 0, filter.Limit)
	if err := r.db.SelectContext(ctx, &students, query, filter.Limit, filter.Offset()); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}
	return students, total, nil
}

// FindByID fetches a student row. It returns sql.ErrNoRows when absent.
func (r *StudentRepository) FindByID(ctx context.Context, id int64) (*models.Student, error) {
	query := "SELECT " + studentColumns + " FROM students WHERE id = $1"
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// ListMarks returns every mark owned by the student in insertion order.
func (r *StudentRepository) ListMarks(ctx context.Context, studentID int64) ([]models.Mark, error) {
	const query = `SELECT id, student_id, subject, marks, term FROM marks WHERE student_id = $1 ORDER BY id`
	marks := []models.Mark{}
	if err := r.db.SelectContext(ctx, &marks, query, studentID); err != nil {
		return nil, fmt.Errorf("list marks: %w", err)
	}
	return marks, nil
}

// Create inserts the student and its marks in a single transaction so that
// either every row commits or none does.
func (r *StudentRepository) Create(ctx context.Context, input models.StudentInput, marks []models.MarkInput) (student *models.Student, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create student: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := "INSERT INTO students (first_name, last_name, email, dob) VALUES ($1, $2, $3, $4) RETURNING " + studentColumns
	var created models.Student
	if err = tx.GetContext(ctx, &created, query, input.FirstName, input.LastName, input.Email, input.DOB); err != nil {
		return nil, fmt.Errorf("insert student: %w", err)
	}

	for start := 0; start < len(marks); start += marksPerInsert {
		end := start + marksPerInsert
		if end > len(marks) {
			end = len(marks)
		}
		markQuery, args := buildMarksInsert(created.ID, marks[start:end])
		if _, err = tx.ExecContext(ctx, markQuery, args...); err != nil {
			return nil, fmt.Errorf("insert marks: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create student: %w", err)
	}
	return &created, nil
}

// buildMarksInsert renders one multi-row INSERT for a batch of a student's marks.
func buildMarksInsert(studentID int64, marks []models.MarkInput) (string, []interface{}) {
	var query strings.Builder
	query.WriteString("INSERT INTO marks (student_id, subject, marks, term) VALUES ")
	args := make([]interface{}, 0, len(marks)*4)
	for i, mark := range marks {
		if i > 0 {
			query.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&query, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, studentID, mark.Subject, mark.Marks, mark.Term)
	}
	return query.String(), args
}

// Update replaces the mutable student columns and refreshes updated_at.
// It returns sql.ErrNoRows when no student has the given id.
func (r *StudentRepository) Update(ctx context.Context, id int64, input models.StudentInput) (*models.Student, error) {
	query := `UPDATE students SET first_name = $1, last_name = $2, email = $3, dob = $4, updated_at = now()
        WHERE id = $5 RETURNING ` + studentColumns
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, input.FirstName, input.LastName, input.Email, input.DOB, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("update student: %w", err)
	}
	return &student, nil
}

// Delete removes the student; the marks foreign key cascades in the same
// statement. It returns sql.ErrNoRows when nothing was deleted.
func (r *StudentRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete student rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Ping reports whether the store is reachable.
func (r *StudentRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
