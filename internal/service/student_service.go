package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nadsoft/students-api/internal/models"
	appErrors "github.com/nadsoft/students-api/pkg/errors"
	"github.com/nadsoft/students-api/pkg/middleware/requestid"
)

// Listing bounds.
const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

const (
	msgInvalidDate     = "Invalid date format. Please use YYYY-MM-DD"
	msgNotFound        = "Not found"
	msgStudentNotFound = "Student not found"

	cacheListPattern    = "students:list:*"
	cacheListVersionKey = "students:version:list"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
}

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error)
	FindByID(ctx context.Context, id int64) (*models.Student, error)
	ListMarks(ctx context.Context, studentID int64) ([]models.Mark, error)
	Create(ctx context.Context, input models.StudentInput, marks []models.MarkInput) (*models.Student, error)
	Update(ctx context.Context, id int64, input models.StudentInput) (*models.Student, error)
	Delete(ctx context.Context, id int64) error
}

// MarkRequest is one mark entry supplied with a new student. Marks is a
// pointer so that a score of 0 still satisfies required.
type MarkRequest struct {
	Subject string `json:"subject" validate:"required"`
	Marks   *int   `json:"marks" validate:"required"`
	Term    string `json:"term"`
}

// CreateStudentRequest holds payload for creating students.
type CreateStudentRequest struct {
	FirstName string        `json:"first_name" validate:"required"`
	LastName  string        `json:"last_name"`
	Email     string        `json:"email" validate:"required"`
	DOB       string        `json:"dob" validate:"required"`
	Marks     []MarkRequest `json:"marks" validate:"omitempty,dive"`
}

// UpdateStudentRequest replaces every mutable student field. An empty dob clears it.
type UpdateStudentRequest struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name"`
	Email     string `json:"email" validate:"required"`
	DOB       string `json:"dob"`
}

type cachedPage struct {
	Students []models.Student `json:"students"`
	Total    int              `json:"total"`
}

// StudentService handles student use-cases.
type StudentService struct {
	repo      studentRepository
	validator *validator.Validate
	cache     *CacheService
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewStudentService constructs the student service. cache and metrics may be nil.
func NewStudentService(repo studentRepository, validate *validator.Validate, cache *CacheService, metrics *MetricsService, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, validator: validate, cache: cache, metrics: metrics, logger: logger}
}

// NormalizePagination applies the listing defaults: page is floored at 1,
// limit falls back to 10 when missing and is capped at 100.
func NormalizePagination(page, limit int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// ParseDate parses a date of birth and normalises it to the UTC calendar day.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}

// List returns a page of students, newest first, with its pagination metadata.
func (s *StudentService) List(ctx context.Context, page, limit int) ([]models.Student, models.PageMeta, error) {
	page, limit = NormalizePagination(page, limit)
	filter := models.StudentFilter{Page: page, Limit: limit}

	version, cacheable := s.cache.Version(ctx, cacheListVersionKey)
	key := fmt.Sprintf("students:list:%d:%d:%d", version, page, limit)
	var cached cachedPage
	if cacheable && s.cache.Get(ctx, key, &cached) {
		return nonNilStudents(cached.Students), models.NewPageMeta(cached.Total, page, limit), nil
	}

	start := time.Now()
	students, total, err := s.repo.List(ctx, filter)
	s.metrics.ObserveDBQuery("students.list", time.Since(start), err)
	if err != nil {
		return nil, models.PageMeta{}, s.storeFailure(ctx, err, "failed to list students")
	}
	students = nonNilStudents(students)
	if cacheable {
		s.cache.Set(ctx, key, cachedPage{Students: students, Total: total})
	}
	return students, models.NewPageMeta(total, page, limit), nil
}

// Get returns the student with its marks embedded.
func (s *StudentService) Get(ctx context.Context, id int64) (*models.StudentDetail, error) {
	// the version is read before the store so a write that lands while this
	// read is in flight moves later readers past whatever this one caches
	version, cacheable := s.cache.Version(ctx, detailVersionKey(id))
	key := fmt.Sprintf("students:detail:%d:%d", id, version)
	var cached models.StudentDetail
	if cacheable && s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	start := time.Now()
	student, err := s.repo.FindByID(ctx, id)
	s.metrics.ObserveDBQuery("students.find", time.Since(start), ignoreNoRows(err))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, msgNotFound)
		}
		return nil, s.storeFailure(ctx, err, "failed to load student")
	}

	start = time.Now()
	marks, err := s.repo.ListMarks(ctx, id)
	s.metrics.ObserveDBQuery("marks.list", time.Since(start), err)
	if err != nil {
		return nil, s.storeFailure(ctx, err, "failed to load marks")
	}
	if marks == nil {
		marks = []models.Mark{}
	}

	detail := &models.StudentDetail{Student: *student, Marks: marks}
	if cacheable {
		s.cache.Set(ctx, key, detail)
	}
	return detail, nil
}

// Create validates the payload and persists the student with its marks
// atomically. The returned student does not embed marks.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (*models.Student, error) {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.Email = strings.TrimSpace(req.Email)
	for i := range req.Marks {
		req.Marks[i].Subject = strings.TrimSpace(req.Marks[i].Subject)
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Validation(err, "invalid student payload")
	}
	dob, err := ParseDate(req.DOB)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, msgInvalidDate)
	}

	input := models.StudentInput{
		FirstName: req.FirstName,
		LastName:  optional(req.LastName),
		Email:     req.Email,
		DOB:       &dob,
	}
	marks := make([]models.MarkInput, 0, len(req.Marks))
	for _, m := range req.Marks {
		marks = append(marks, models.MarkInput{Subject: m.Subject, Marks: *m.Marks, Term: optional(m.Term)})
	}

	start := time.Now()
	student, err := s.repo.Create(ctx, input, marks)
	s.metrics.ObserveDBQuery("students.create", time.Since(start), err)
	if err != nil {
		return nil, s.storeFailure(ctx, err, "failed to create student")
	}

	s.cache.Bump(ctx, cacheListVersionKey)
	s.cache.Invalidate(ctx, cacheListPattern)
	s.logger.Info("student created", zap.Int64("student_id", student.ID), zap.Int("marks", len(marks)))
	return student, nil
}

// Update replaces the student's fields. Marks are untouched.
func (s *StudentService) Update(ctx context.Context, id int64, req UpdateStudentRequest) (*models.Student, error) {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Validation(err, "invalid student payload")
	}
	input := models.StudentInput{
		FirstName: req.FirstName,
		LastName:  optional(req.LastName),
		Email:     req.Email,
	}
	if strings.TrimSpace(req.DOB) != "" {
		dob, err := ParseDate(req.DOB)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, msgInvalidDate)
		}
		input.DOB = &dob
	}

	start := time.Now()
	student, err := s.repo.Update(ctx, id, input)
	s.metrics.ObserveDBQuery("students.update", time.Since(start), ignoreNoRows(err))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, msgStudentNotFound)
		}
		return nil, s.storeFailure(ctx, err, "failed to update student")
	}

	s.invalidateStudent(ctx, id)
	return student, nil
}

// Delete removes the student; its marks go with it in the same statement.
func (s *StudentService) Delete(ctx context.Context, id int64) error {
	start := time.Now()
	err := s.repo.Delete(ctx, id)
	s.metrics.ObserveDBQuery("students.delete", time.Since(start), ignoreNoRows(err))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, msgStudentNotFound)
		}
		return s.storeFailure(ctx, err, "failed to delete student")
	}

	s.invalidateStudent(ctx, id)
	s.logger.Info("student deleted", zap.Int64("student_id", id))
	return nil
}

func (s *StudentService) invalidateStudent(ctx context.Context, id int64) {
	s.cache.Bump(ctx, detailVersionKey(id))
	s.cache.Bump(ctx, cacheListVersionKey)
	s.cache.Invalidate(ctx, fmt.Sprintf("students:detail:%d:*", id))
	s.cache.Invalidate(ctx, cacheListPattern)
}

// storeFailure logs a store error and converts it into an internal error
// that still carries the underlying message.
func (s *StudentService) storeFailure(ctx context.Context, err error, message string) error {
	fields := []zap.Field{zap.Error(err)}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		fields = append(fields, zap.String("sqlstate", string(pqErr.Code)))
		if pqErr.Detail != "" {
			err = fmt.Errorf("%w (%s)", err, pqErr.Detail)
		}
	}
	if reqID := requestid.FromContext(ctx); reqID != "" {
		fields = append(fields, zap.String("request_id", reqID))
	}
	s.logger.Error(message, fields...)
	return appErrors.Internal(err, message)
}

func detailVersionKey(id int64) string {
	return fmt.Sprintf("students:version:%d", id)
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func nonNilStudents(students []models.Student) []models.Student {
	if students == nil {
		return []models.Student{}
	}
	return students
}

func ignoreNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}
