package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidfetch/internal/domain"
	"vidfetch/internal/repository/sqlite"
	"vidfetch/internal/service"
	"vidfetch/internal/storage"
)

const (
	testBucket         = "media"
	testRegisterSecret = "let-me-in"
)

type fakeManager struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
}

func (m *fakeManager) Start(context.Context) error  { return nil }
func (m *fakeManager) Shutdown()                    {}
func (m *fakeManager) Resume(context.Context) error { return nil }

func (m *fakeManager) Enqueue(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, batchID)
	return nil
}

func (m *fakeManager) Cancel(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, batchID)
	return nil
}

type fakeStorage struct {
	objects  []storage.ObjectInfo
	deleted  []string
	urlError error
}

func (s *fakeStorage) UploadFile(context.Context, string, storage.UploadOptions) (string, error) {
	return "", errors.New("not supported")
}

func (s *fakeStorage) ListObjects(_ context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return s.objects, nil
}

func (s *fakeStorage) DeletePrefix(_ context.Context, bucket, prefix string) error {
	s.deleted = append(s.deleted, bucket+"/"+prefix)
	return nil
}

func (s *fakeStorage) GetObjectURL(_ context.Context, bucket, key string, expires time.Duration) (string, error) {
	if s.urlError != nil {
		return "", s.urlError
	}
	return "https://signed.example/" + bucket + "/" + key + "?ttl=" + expires.String(), nil
}

type testEnv struct {
	router   *gin.Engine
	batches  service.BatchService
	manager  *fakeManager
	storage  *fakeStorage
	hub      *Hub
	dataRoot string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	batchRepo := sqlite.NewBatchRepository(db)
	itemRepo := sqlite.NewItemRepository(db)
	userRepo := sqlite.NewUserRepository(db)
	require.NoError(t, batchRepo.Init(ctx))
	require.NoError(t, itemRepo.Init(ctx))
	require.NoError(t, userRepo.Init(ctx))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		router:   gin.New(),
		batches:  service.NewBatchService(batchRepo, itemRepo),
		manager:  &fakeManager{},
		storage:  &fakeStorage{},
		hub:      NewHub(logger),
		dataRoot: t.TempDir(),
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.hub.Run(hubCtx)

	NewHandler(Options{
		Batches:   env.batches,
		Users:     service.NewUserService(userRepo, testRegisterSecret),
		Manager:   env.manager,
		Storage:   env.storage,
		Bucket:    testBucket,
		DataRoot:  env.dataRoot,
		JWTSecret: "jwt-secret",
		TokenTTL:  time.Hour,
		Events:    env.hub,
		Logger:    logger,
	}).RegisterRoutes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username":          "alice",
		"password":          "correct-horse",
		"register_password": testRegisterSecret,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/batches", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/batches", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "mallory", "password": "correct-horse", "register_password": "guess",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env.token(t)
	rec = env.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "alice", "password": "correct-horse", "register_password": testRegisterSecret,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[tokenResponse](t, rec)

	rec = env.do(t, http.MethodGet, "/api/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[UserResponse](t, rec).Username)
}

func TestCreateBatchEnqueues(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	rec := env.do(t, http.MethodPost, "/api/batches", token, gin.H{
		"ids":     []string{"BV1, BV2", "BV1"},
		"quality": 80,
		"codecs":  " avc ",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	batch := decode[BatchResponse](t, rec)
	assert.Equal(t, domain.BatchStatusPending, batch.Status)
	assert.Equal(t, 2, batch.Total)
	assert.Equal(t, "avc", batch.Codecs)
	require.Len(t, batch.Items, 2)
	assert.Equal(t, "BV2", batch.Items[1].ItemID)
	assert.Equal(t, []string{batch.ID}, env.manager.enqueued)

	rec = env.do(t, http.MethodGet, "/api/batches/"+batch.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, batch.ID, decode[BatchResponse](t, rec).ID)

	rec = env.do(t, http.MethodGet, "/api/batches?status=pending,running", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BatchResponse](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/batches?status=completed", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]BatchResponse](t, rec))
}

func TestCreateBatchValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "blank ids", body: gin.H{"ids": []string{" , "}}},
		{name: "missing ids", body: gin.H{"quality": 80}},
		{name: "negative quality", body: gin.H{"ids": []string{"BV1"}, "quality": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/batches", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, env.manager.enqueued)
}

func TestGetBatchNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/batches/missing", env.token(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteBatch(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	ctx := context.Background()

	batch, err := env.batches.CreateBatch(ctx, service.BatchRequest{ItemIDs: []string{"BV1", "BV2"}}, env.dataRoot)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(batch.SaveDir, "BV1"), 0o755))
	for _, id := range []string{"BV1", "BV2"} {
		require.NoError(t, env.batches.RecordItem(ctx, &domain.ItemRecord{
			BatchID:        batch.ID,
			ItemID:         id,
			State:          domain.StateFinished,
			RemoteLocation: "s3://" + testBucket + "/vidfetch/" + batch.ID + "/" + id + ".mp4",
		}))
	}

	rec := env.do(t, http.MethodDelete, "/api/batches/"+batch.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{batch.ID}, env.manager.cancelled)
	assert.DirExists(t, batch.SaveDir, "cancel alone keeps data")

	rec = env.do(t, http.MethodDelete, "/api/batches/"+batch.ID+"?purge=maybe", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/batches/"+batch.ID+"?purge=true&delete_remote=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, batch.ID, resp["deleted"])
	assert.NotContains(t, resp, "warnings")

	assert.Equal(t, []string{testBucket + "/vidfetch/" + batch.ID + "/"}, env.storage.deleted)
	assert.NoDirExists(t, batch.SaveDir)

	rec = env.do(t, http.MethodGet, "/api/batches/"+batch.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupRefusesOutsideDataRoot(t *testing.T) {
	outside := t.TempDir()
	h := &Handler{dataRoot: t.TempDir()}

	warnings := h.cleanupLocalData(&domain.Batch{SaveDir: outside})
	assert.Len(t, warnings, 1)
	assert.DirExists(t, outside)

	warnings = h.cleanupLocalData(&domain.Batch{SaveDir: h.dataRoot})
	assert.Len(t, warnings, 1)
	assert.DirExists(t, h.dataRoot)
}

func TestStorageRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	modified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.storage.objects = []storage.ObjectInfo{{Key: "vidfetch/b/BV1.mp4", Size: 42, LastModified: &modified}}

	rec := env.do(t, http.MethodGet, "/api/storage/objects?prefix=vidfetch/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	objects := decode[[]StorageObjectResponse](t, rec)
	require.Len(t, objects, 1)
	assert.Equal(t, int64(42), objects[0].Size)
	assert.Equal(t, "2024-05-01T12:00:00Z", *objects[0].LastModified)

	rec = env.do(t, http.MethodGet, "/api/storage/url?key=vidfetch/b/BV1.mp4&expires=1h", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	signed := decode[map[string]any](t, rec)
	assert.Equal(t, "https://signed.example/media/vidfetch/b/BV1.mp4?ttl=1h0m0s", signed["url"])
	assert.EqualValues(t, 3600, signed["expires_in"])

	rec = env.do(t, http.MethodGet, "/api/storage/url", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/storage/url?key=a&expires=-1s", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.storage.urlError = errors.New("presign failed")
	rec = env.do(t, http.MethodGet, "/api/storage/url?key=a", token, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/batches", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestExtractS3Prefix(t *testing.T) {
	tests := []struct {
		location string
		bucket   string
		want     string
		wantErr  bool
	}{
		{location: "s3://media/vidfetch/b/x.mp4", bucket: "media", want: "vidfetch/b/x.mp4"},
		{location: "s3://media//x.mp4", want: "x.mp4"},
		{location: "s3://other/x.mp4", bucket: "media", wantErr: true},
		{location: "s3://media", bucket: "media", wantErr: true},
		{location: "https://media/x.mp4", wantErr: true},
	}
	for _, tt := range tests {
		got, err := extractS3Prefix(tt.location, tt.bucket)
		if tt.wantErr {
			assert.Error(t, err, tt.location)
			continue
		}
		require.NoError(t, err, tt.location)
		assert.Equal(t, tt.want, got)
	}
}
