package models

import (
	"math"
	"time"
)

// Student represents a person record. ID is assigned by the store and never changes.
type Student struct {
	ID        int64      `db:"id" json:"id"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  *string    `db:"last_name" json:"last_name"`
	Email     string     `db:"email" json:"email"`
	DOB       *time.Time `db:"dob" json:"dob"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// FullName joins first and last name.
func (s Student) FullName() string {
	if s.LastName == nil || *s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + *s.LastName
}

// Mark is a scored subject entry owned by exactly one student.
type Mark struct {
	ID        int64   `db:"id" json:"id"`
	StudentID int64   `db:"student_id" json:"student_id"`
	Subject   string  `db:"subject" json:"subject"`
	Marks     int     `db:"marks" json:"marks"`
	Term      *string `db:"term" json:"term"`
}

// StudentDetail embeds the marks owned by a student.
type StudentDetail struct {
	Student
	Marks []Mark `json:"marks"`
}

// StudentInput carries the mutable student columns for inserts and full updates.
type StudentInput struct {
	FirstName string
	LastName  *string
	Email     string
	DOB       *time.Time
}

// MarkInput carries one mark to insert alongside a new student.
type MarkInput struct {
	Subject string
	Marks   int
	Term    *string
}

// StudentFilter describes a window over the students listing.
type StudentFilter struct {
	Page  int
	Limit int
}

// Offset returns the number of rows skipped before the requested page. It
// saturates at math.MaxInt instead of wrapping, so a page far past the end
// still selects nothing.
func (f StudentFilter) Offset() int {
	if f.Page < 1 || f.Limit < 1 {
		return 0
	}
	if f.Page-1 > math.MaxInt/f.Limit {
		return math.MaxInt
	}
	return (f.Page - 1) * f.Limit
}
