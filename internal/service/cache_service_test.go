package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/nadsoft/students-api/pkg/errors"
)

type memoryCacheRepo struct {
	items       map[string][]byte
	getErr      error
	invalidated []string
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{items: make(map[string][]byte)}
}

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	if m.getErr != nil {
		return m.getErr
	}
	raw, ok := m.items[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.items[key] = raw
	return nil
}

func (m *memoryCacheRepo) DeleteByPattern(ctx context.Context, pattern string) error {
	m.invalidated = append(m.invalidated, pattern)
	for key := range m.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.items, key)
		}
	}
	return nil
}

func TestCacheServiceDisabled(t *testing.T) {
	repo := newMemoryCacheRepo()
	svc := NewCacheService(repo, nil, time.Minute, zap.NewNop(), false)

	svc.Set(context.Background(), "k", 1)
	assert.Empty(t, repo.items)
	var v int
	assert.False(t, svc.Get(context.Background(), "k", &v))

	var nilSvc *CacheService
	assert.False(t, nilSvc.Enabled())
	nilSvc.Invalidate(context.Background(), "k")
}

func TestCacheServiceHitMissMetrics(t *testing.T) {
	repo := newMemoryCacheRepo()
	metrics := NewMetricsService()
	svc := NewCacheService(repo, metrics, time.Minute, zap.NewNop(), true)
	ctx := context.Background()

	var v int
	assert.False(t, svc.Get(ctx, "k", &v))
	svc.Set(ctx, "k", 42)
	require.True(t, svc.Get(ctx, "k", &v))
	assert.Equal(t, 42, v)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("miss")))
}

func TestCacheServiceErrorsAreMisses(t *testing.T) {
	repo := newMemoryCacheRepo()
	repo.getErr = errors.New("redis down")
	svc := NewCacheService(repo, nil, 0, nil, true)

	var v int
	assert.False(t, svc.Get(context.Background(), "k", &v))
}

func TestStudentServiceUsesCache(t *testing.T) {
	repo := newMemoryStudentRepo()
	cacheRepo := newMemoryCacheRepo()
	cache := NewCacheService(cacheRepo, nil, time.Minute, zap.NewNop(), true)
	svc := NewStudentService(repo, nil, cache, nil, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, annRequest())
	require.NoError(t, err)

	_, err = svc.Get(ctx, created.ID)
	require.NoError(t, err)
	_, err = svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.calls["FindByID"])

	_, _, err = svc.List(ctx, 1, 10)
	require.NoError(t, err)
	students, meta, err := svc.List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.calls["List"])
	assert.Len(t, students, 1)
	assert.Equal(t, 1, meta.Total)

	_, err = svc.Update(ctx, created.ID, UpdateStudentRequest{FirstName: "Anna", Email: "a@x.com"})
	require.NoError(t, err)
	assert.Contains(t, cacheRepo.invalidated, "students:detail:1:*")
	assert.Contains(t, cacheRepo.invalidated, "students:list:*")

	detail, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anna", detail.FirstName)
	assert.Equal(t, 2, repo.calls["FindByID"])

	require.NoError(t, svc.Delete(ctx, created.ID))
	_, err = svc.Get(ctx, created.ID)
	requireStatus(t, err, 404)

	students, meta, err = svc.List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, students)
	assert.Equal(t, 0, meta.Total)
}

func TestCacheServiceVersion(t *testing.T) {
	repo := newMemoryCacheRepo()
	svc := NewCacheService(repo, nil, time.Minute, zap.NewNop(), true)
	ctx := context.Background()

	version, ok := svc.Version(ctx, "students:version:1")
	require.True(t, ok)
	assert.Zero(t, version)

	svc.Bump(ctx, "students:version:1")
	first, ok := svc.Version(ctx, "students:version:1")
	require.True(t, ok)
	assert.NotZero(t, first)

	time.Sleep(time.Millisecond)
	svc.Bump(ctx, "students:version:1")
	second, _ := svc.Version(ctx, "students:version:1")
	assert.NotEqual(t, first, second)

	repo.getErr = errors.New("redis down")
	_, ok = svc.Version(ctx, "students:version:1")
	assert.False(t, ok)

	disabled := NewCacheService(newMemoryCacheRepo(), nil, time.Minute, nil, false)
	_, ok = disabled.Version(ctx, "students:version:1")
	assert.False(t, ok)
}

func newCachedStudentService(repo *memoryStudentRepo) *StudentService {
	cache := NewCacheService(newMemoryCacheRepo(), nil, time.Minute, zap.NewNop(), true)
	return NewStudentService(repo, nil, cache, nil, nil)
}

func TestStudentServiceReadOverlappingDeleteNotCached(t *testing.T) {
	repo := newMemoryStudentRepo()
	svc := newCachedStudentService(repo)
	ctx := context.Background()

	created, err := svc.Create(ctx, annRequest())
	require.NoError(t, err)

	// the read loads the student, then the delete commits before marks load
	repo.beforeListMarks = func() {
		require.NoError(t, svc.Delete(ctx, created.ID))
	}
	_, err = svc.Get(ctx, created.ID)
	require.NoError(t, err)

	_, err = svc.Get(ctx, created.ID)
	requireStatus(t, err, http.StatusNotFound)
}

func TestStudentServiceReadOverlappingUpdateNotCached(t *testing.T) {
	repo := newMemoryStudentRepo()
	svc := newCachedStudentService(repo)
	ctx := context.Background()

	created, err := svc.Create(ctx, annRequest())
	require.NoError(t, err)

	repo.beforeListMarks = func() {
		_, err := svc.Update(ctx, created.ID, UpdateStudentRequest{FirstName: "Anna", Email: "anna@x.com"})
		require.NoError(t, err)
	}
	stale, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ann", stale.FirstName)

	fresh, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anna", fresh.FirstName)
	assert.Equal(t, "anna@x.com", fresh.Email)
}

func TestStudentServiceListOverlappingCreateNotCached(t *testing.T) {
	repo := newMemoryStudentRepo()
	svc := newCachedStudentService(repo)
	ctx := context.Background()

	_, err := svc.Create(ctx, annRequest())
	require.NoError(t, err)

	// the listing has read its rows when the second create commits
	repo.afterList = func() {
		_, err := svc.Create(ctx, annRequest())
		require.NoError(t, err)
	}
	stale, _, err := svc.List(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	students, meta, err := svc.List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, students, 2)
	assert.Equal(t, 2, meta.Total)
}
