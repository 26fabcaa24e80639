package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nadsoft/students-api/internal/models"
	appErrors "github.com/nadsoft/students-api/pkg/errors"
	"github.com/nadsoft/students-api/pkg/export"
)

type studentReader interface {
	Get(ctx context.Context, id int64) (*models.StudentDetail, error)
}

// Report is a rendered report card ready for download.
type Report struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ReportService renders a student's marks as a downloadable report card.
type ReportService struct {
	students studentReader
	logger   *zap.Logger
}

// NewReportService constructs the report service.
func NewReportService(students studentReader, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{students: students, logger: logger}
}

// Render builds the report card for the student in the requested format (csv or pdf).
func (s *ReportService) Render(ctx context.Context, id int64, format string) (*Report, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	exporter, err := export.ForFormat(format)
	if err != nil {
		return nil, appErrors.Validation(err, "invalid report format")
	}

	detail, err := s.students.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	body, err := exporter.Render(reportDataset(detail))
	if err != nil {
		s.logger.Error("render report failed", zap.Int64("student_id", id), zap.Error(err))
		return nil, appErrors.Internal(err, "failed to render report")
	}
	return &Report{
		Filename:    fmt.Sprintf("student-%d-report.%s", id, exporter.Extension()),
		ContentType: exporter.ContentType(),
		Body:        body,
	}, nil
}

func reportDataset(detail *models.StudentDetail) export.Dataset {
	rows := make([][]string, 0, len(detail.Marks))
	for _, mark := range detail.Marks {
		term := ""
		if mark.Term != nil {
			term = *mark.Term
		}
		rows = append(rows, []string{mark.Subject, term, strconv.Itoa(mark.Marks)})
	}
	return export.Dataset{
		Title:   "Report card: " + detail.FullName(),
		Headers: []string{"Subject", "Term", "Marks"},
		Rows:    rows,
	}
}
