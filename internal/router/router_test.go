package router

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadsoft/students-api/internal/handler"
	"github.com/nadsoft/students-api/internal/models"
	"github.com/nadsoft/students-api/internal/service"
)

type memoryStore struct {
	mu       sync.Mutex
	nextID   int64
	nextMark int64
	students map[int64]models.Student
	marks    map[int64][]models.Mark
}

func newMemoryStore() *memoryStore {
	return &memoryStore{students: map[int64]models.Student{}, marks: map[int64][]models.Mark{}}
}

func (s *memoryStore) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]models.Student, 0, len(s.students))
	for _, st := range s.students {
		all = append(all, st)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	offset := filter.Offset()
	if offset >= len(all) {
		return []models.Student{}, len(all), nil
	}
	end := offset + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (s *memoryStore) FindByID(ctx context.Context, id int64) (*models.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &st, nil
}

func (s *memoryStore) ListMarks(ctx context.Context, studentID int64) ([]models.Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Mark(nil), s.marks[studentID]...), nil
}

func (s *memoryStore) Create(ctx context.Context, input models.StudentInput, marks []models.MarkInput) (*models.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now().UTC()
	st := models.Student{ID: s.nextID, FirstName: input.FirstName, LastName: input.LastName, Email: input.Email, DOB: input.DOB, CreatedAt: now, UpdatedAt: now}
	s.students[st.ID] = st
	for _, m := range marks {
		s.nextMark++
		s.marks[st.ID] = append(s.marks[st.ID], models.Mark{ID: s.nextMark, StudentID: st.ID, Subject: m.Subject, Marks: m.Marks, Term: m.Term})
	}
	return &st, nil
}

func (s *memoryStore) Update(ctx context.Context, id int64, input models.StudentInput) (*models.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	st.FirstName, st.LastName, st.Email, st.DOB = input.FirstName, input.LastName, input.Email, input.DOB
	st.UpdatedAt = time.Now().UTC()
	s.students[id] = st
	return &st, nil
}

func (s *memoryStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.students[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.students, id)
	delete(s.marks, id)
	return nil
}

func (s *memoryStore) Ping(ctx context.Context) error { return nil }

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := newMemoryStore()
	metrics := service.NewMetricsService()
	students := service.NewStudentService(store, nil, nil, metrics, nil)
	reports := service.NewReportService(students, nil)
	return New(Deps{
		Metrics:       metrics,
		Students:      handler.NewStudentHandler(students, reports),
		Observability: handler.NewMetricsHandler(metrics, store, nil),
	})
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestStudentLifecycle(t *testing.T) {
	r := newTestEngine(t)

	w, body := do(t, r, http.MethodPost, "/students",
		`{"first_name":"Ann","last_name":"Lee","email":"ann@x.io","dob":"2001-02-03","marks":[{"subject":"Math","marks":90,"term":"T1"},{"subject":"Art","marks":75}]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := body["student"].(map[string]interface{})
	id := int64(created["id"].(float64))
	assert.Equal(t, "Ann", created["first_name"])
	assert.NotContains(t, created, "marks")

	w, body = do(t, r, http.MethodGet, fmt.Sprintf("/students/%d", id), "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := body["student"].(map[string]interface{})
	assert.Equal(t, "ann@x.io", detail["email"])
	assert.Equal(t, "2001-02-03T00:00:00Z", detail["dob"])
	require.Len(t, detail["marks"], 2)

	w, body = do(t, r, http.MethodPut, fmt.Sprintf("/students/%d", id), `{"first_name":"Anne","email":"anne@x.io","dob":""}`)
	require.Equal(t, http.StatusOK, w.Code)
	updated := body["student"].(map[string]interface{})
	assert.Equal(t, "Anne", updated["first_name"])
	assert.Nil(t, updated["dob"])
	assert.Nil(t, updated["last_name"])

	w, body = do(t, r, http.MethodGet, fmt.Sprintf("/students/%d/report?format=csv", id), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Math,T1,90")
	assert.Nil(t, body)

	w, body = do(t, r, http.MethodDelete, fmt.Sprintf("/students/%d", id), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Deleted", body["message"])

	w, body = do(t, r, http.MethodGet, fmt.Sprintf("/students/%d", id), "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not found", body["message"])

	w, body = do(t, r, http.MethodDelete, fmt.Sprintf("/students/%d", id), "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Student not found", body["message"])
}

func TestListPagination(t *testing.T) {
	r := newTestEngine(t)
	for i := 0; i < 12; i++ {
		w, _ := do(t, r, http.MethodPost, "/students", fmt.Sprintf(`{"first_name":"S%d","email":"s%d@x.io","dob":"2000-01-01"}`, i, i))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, body := do(t, r, http.MethodGet, "/students", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 10)
	meta := body["meta"].(map[string]interface{})
	assert.EqualValues(t, 12, meta["total"])
	assert.EqualValues(t, 1, meta["page"])
	assert.EqualValues(t, 10, meta["limit"])
	assert.EqualValues(t, 2, meta["totalPages"])
	first := body["data"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "S11", first["first_name"])

	_, body = do(t, r, http.MethodGet, "/students?page=2&limit=10", "")
	assert.Len(t, body["data"], 2)

	_, body = do(t, r, http.MethodGet, "/students?page=9", "")
	assert.Equal(t, []interface{}{}, body["data"])
	assert.EqualValues(t, 9, body["meta"].(map[string]interface{})["page"])

	_, body = do(t, r, http.MethodGet, "/students?limit=1000", "")
	assert.EqualValues(t, 100, body["meta"].(map[string]interface{})["limit"])
}

func TestListHugePageIsEmpty(t *testing.T) {
	r := newTestEngine(t)
	for i := 0; i < 3; i++ {
		w, _ := do(t, r, http.MethodPost, "/students", fmt.Sprintf(`{"first_name":"S%d","email":"s%d@x.io","dob":"2000-01-01"}`, i, i))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	for _, query := range []string{
		"page=4611686018427387906&limit=100",
		"page=4611686018427387905&limit=4",
		"page=9223372036854775807&limit=1",
		"page=99999999999999999999999",
	} {
		w, body := do(t, r, http.MethodGet, "/students?"+query, "")
		require.Equal(t, http.StatusOK, w.Code, query)
		assert.Equal(t, []interface{}{}, body["data"], query)
		meta := body["meta"].(map[string]interface{})
		assert.EqualValues(t, 3, meta["total"], query)
	}
}

func TestEmptyListing(t *testing.T) {
	r := newTestEngine(t)
	w, body := do(t, r, http.MethodGet, "/students", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, body["data"])
	assert.EqualValues(t, 0, body["meta"].(map[string]interface{})["totalPages"])
}

func TestGetUnknownStudent(t *testing.T) {
	r := newTestEngine(t)
	w, _ := do(t, r, http.MethodGet, "/students/999999", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"Not found"}`, w.Body.String())
}

func TestCreateRejectsBadDate(t *testing.T) {
	r := newTestEngine(t)
	w, body := do(t, r, http.MethodPost, "/students", `{"first_name":"Ann","email":"a@x.io","dob":"not-a-date"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid date format. Please use YYYY-MM-DD", body["error"])

	_, body = do(t, r, http.MethodGet, "/students", "")
	assert.EqualValues(t, 0, body["meta"].(map[string]interface{})["total"])
}

func TestObservabilityRoutes(t *testing.T) {
	r := newTestEngine(t)

	w, body := do(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, body = do(t, r, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", body["status"])

	do(t, r, http.MethodGet, "/students", "")
	w, _ = do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{method="GET",path="/students",status="200"} 1`)
	assert.Contains(t, w.Body.String(), "db_query_duration_seconds")
}

func TestPreflightAndUnknownRoute(t *testing.T) {
	r := newTestEngine(t)

	req := httptest.NewRequest(http.MethodOptions, "/students", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w, _ = do(t, r, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
