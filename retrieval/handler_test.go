package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeVault struct {
	uploadKey string
	uploadErr error
	signedURL string
	signErr   error
	removeErr error

	uploads []string
	removed []string
}

func (f *fakeVault) Upload(ctx context.Context, data []byte, contentType string, pathSegments ...string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, f.uploadKey)
	return f.uploadKey, nil
}

func (f *fakeVault) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return f.signedURL, nil
}

func (f *fakeVault) Remove(ctx context.Context, objectName string) error {
	f.removed = append(f.removed, objectName)
	return f.removeErr
}

func newTestModule(t *testing.T, store IndexStore, owners OwnerStore, vault DocumentVault) (*Module, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:retrieval_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&IndexDocument{}))

	module := &Module{
		db:        db,
		store:     store,
		owners:    owners,
		lifecycle: NewLifecycle(store, owners),
		documents: vault,
	}

	router := gin.New()
	router.POST("/threads/:id/documents", module.handleUploadDocument(ScopeThread))
	router.GET("/threads/:id/documents", module.handleListDocuments(ScopeThread))
	router.GET("/threads/:id/documents/:docID/download", module.handleDownloadDocument(ScopeThread))
	return module, router
}

func multipartFile(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUploadDocumentStoresRawCopy(t *testing.T) {
	store := &fakeIndexStore{createID: "idx-doc"}
	vault := &fakeVault{uploadKey: "documents/thread/5/abc-notes.txt"}
	module, router := newTestModule(t, store, &fakeOwnerStore{exists: true}, vault)

	body, contentType := multipartFile(t, "notes.txt", "some notes")
	req := httptest.NewRequest(http.MethodPost, "/threads/5/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Equal(t, []string{"notes.txt"}, store.uploads)

	var record IndexDocument
	require.NoError(t, module.db.First(&record).Error)
	assert.Equal(t, "idx-doc", record.IndexID)
	assert.Equal(t, "notes.txt", record.Filename)
	require.NotNil(t, record.ObjectKey)
	assert.Equal(t, vault.uploadKey, *record.ObjectKey)
}

func TestUploadDocumentAttachFailureRemovesRawCopy(t *testing.T) {
	store := &fakeIndexStore{createID: "idx-doc", uploadErr: fmt.Errorf("index service down")}
	vault := &fakeVault{uploadKey: "documents/thread/5/abc-notes.txt"}
	module, router := newTestModule(t, store, &fakeOwnerStore{exists: true}, vault)

	body, contentType := multipartFile(t, "notes.txt", "some notes")
	req := httptest.NewRequest(http.MethodPost, "/threads/5/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusBadGateway, resp.Code)
	// The raw copy has no document row referencing it, so it must be dropped.
	assert.Equal(t, []string{vault.uploadKey}, vault.removed)

	var count int64
	require.NoError(t, module.db.Model(&IndexDocument{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestUploadDocumentWithoutVault(t *testing.T) {
	store := &fakeIndexStore{createID: "idx-doc"}
	module, router := newTestModule(t, store, &fakeOwnerStore{exists: true}, nil)

	body, contentType := multipartFile(t, "notes.txt", "some notes")
	req := httptest.NewRequest(http.MethodPost, "/threads/5/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var record IndexDocument
	require.NoError(t, module.db.First(&record).Error)
	assert.Nil(t, record.ObjectKey)
}

func TestDownloadDocumentSignsURL(t *testing.T) {
	vault := &fakeVault{signedURL: "https://minio.example.com/signed/abc"}
	module, router := newTestModule(t, &fakeIndexStore{}, &fakeOwnerStore{exists: true}, vault)

	key := "documents/thread/5/abc-notes.txt"
	record := IndexDocument{Scope: string(ScopeThread), OwnerID: 5, IndexID: "idx-doc", Filename: "notes.txt", ObjectKey: &key}
	require.NoError(t, module.db.Create(&record).Error)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/threads/5/documents/%d/download", record.ID), nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var payload struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, vault.signedURL, payload.URL)
	assert.Equal(t, int(documentURLExpiry.Seconds()), payload.ExpiresIn)
}

func TestDownloadDocumentWithoutStoredCopy(t *testing.T) {
	module, router := newTestModule(t, &fakeIndexStore{}, &fakeOwnerStore{exists: true}, &fakeVault{})

	record := IndexDocument{Scope: string(ScopeThread), OwnerID: 5, IndexID: "idx-doc", Filename: "notes.txt"}
	require.NoError(t, module.db.Create(&record).Error)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/threads/5/documents/%d/download", record.ID), nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestDownloadDocumentUnknownID(t *testing.T) {
	_, router := newTestModule(t, &fakeIndexStore{}, &fakeOwnerStore{exists: true}, &fakeVault{})

	req := httptest.NewRequest(http.MethodGet, "/threads/5/documents/404/download", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}
