package retrieval

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"glossa_back/authorization"
	"glossa_back/storage"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	maxDocumentBytes  int64 = 20 * 1024 * 1024
	documentURLExpiry       = 15 * time.Minute
)

// DocumentVault retains raw copies of uploaded documents alongside the
// remote index. storage.DocumentStorage is the production implementation.
type DocumentVault interface {
	Upload(ctx context.Context, data []byte, contentType string, pathSegments ...string) (string, error)
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
	Remove(ctx context.Context, objectName string) error
}

// Module wires the index store, lifecycle manager, and injector together and
// exposes the document-attach endpoints.
type Module struct {
	db        *gorm.DB
	store     IndexStore
	owners    OwnerStore
	lifecycle *Lifecycle
	pipeline  *Pipeline
	documents DocumentVault
}

// RegisterRoutes initializes the retrieval module and mounts its routes.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, owners OwnerStore) (*Module, error) {
	if owners == nil {
		return nil, errors.New("retrieval: owner store is required")
	}

	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&IndexDocument{}); err != nil {
		return nil, err
	}

	store, err := NewHTTPIndexStoreFromEnv()
	if err != nil {
		return nil, err
	}

	lifecycle := NewLifecycle(store, owners)
	module := &Module{
		db:        db,
		store:     store,
		owners:    owners,
		lifecycle: lifecycle,
	}
	if documents, err := storage.NewDocumentStorageFromEnv(); err != nil {
		return nil, err
	} else if documents != nil {
		module.documents = documents
	}
	module.pipeline = &Pipeline{
		owners:    owners,
		lifecycle: lifecycle,
		injector:  NewInjectorFromEnv(store),
		db:        db,
	}

	group := router.Group("")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	group.POST("/threads/:id/documents", module.handleUploadDocument(ScopeThread))
	group.GET("/threads/:id/documents", module.handleListDocuments(ScopeThread))
	group.GET("/threads/:id/documents/:docID/download", module.handleDownloadDocument(ScopeThread))
	group.POST("/workspaces/:id/documents", module.handleUploadDocument(ScopeWorkspace))
	group.GET("/workspaces/:id/documents", module.handleListDocuments(ScopeWorkspace))
	group.GET("/workspaces/:id/documents/:docID/download", module.handleDownloadDocument(ScopeWorkspace))

	return module, nil
}

// Pipeline returns the per-turn grounding path consumed by the chat module.
func (m *Module) Pipeline() *Pipeline {
	if m == nil {
		return nil
	}
	return m.pipeline
}

func (m *Module) handleUploadDocument(scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, err := parseOwnerID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()

		exists, err := m.owners.OwnerExists(ctx, scope, ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load " + string(scope)})
			return
		}
		if !exists {
			c.JSON(http.StatusNotFound, gin.H{"error": string(scope) + " not found"})
			return
		}

		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if header.Size > maxDocumentBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file is too large"})
			return
		}

		opened, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
			return
		}
		defer opened.Close()

		data, err := io.ReadAll(io.LimitReader(opened, maxDocumentBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
			return
		}
		if int64(len(data)) > maxDocumentBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file is too large"})
			return
		}

		// First use of this scope: the index must exist before anything can
		// be attached to it.
		idx := m.lifecycle.EnsureIndex(ctx, scope, ownerID)
		if idx == nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "knowledge index unavailable"})
			return
		}

		filename := strings.TrimSpace(header.Filename)
		if filename == "" {
			filename = "document"
		}
		contentType := header.Header.Get("Content-Type")

		var objectKey *string
		if m.documents != nil {
			key, err := m.documents.Upload(ctx, data, contentType, string(scope), strconv.FormatUint(ownerID, 10), filename)
			if err != nil {
				log.Printf("retrieval: store raw copy of %q failed: %v", filename, err)
			} else {
				objectKey = &key
			}
		}

		if err := m.store.Upload(ctx, idx.ID, bytes.NewReader(data), filename); err != nil {
			log.Printf("retrieval: attach %q to index %s failed: %v", filename, idx.ID, err)
			if objectKey != nil {
				// No document row will reference this copy, so drop it.
				if rmErr := m.documents.Remove(ctx, *objectKey); rmErr != nil {
					log.Printf("retrieval: remove raw copy %s failed: %v", *objectKey, rmErr)
				}
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to attach document to knowledge index"})
			return
		}

		record := IndexDocument{
			Scope:       string(scope),
			OwnerID:     ownerID,
			IndexID:     idx.ID,
			Filename:    filename,
			ContentType: contentType,
			SizeBytes:   int64(len(data)),
			ObjectKey:   objectKey,
			CreatedBy:   authorization.CurrentUserID(c),
		}
		if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record document"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"document": record,
			"index_id": idx.ID,
		})
	}
}

func (m *Module) handleListDocuments(scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, err := parseOwnerID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var records []IndexDocument
		if err := m.db.WithContext(c.Request.Context()).
			Where("scope = ? AND owner_id = ?", string(scope), ownerID).
			Order("created_at DESC").
			Find(&records).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load documents"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"scope":     scope,
			"owner_id":  ownerID,
			"documents": records,
		})
	}
}

func (m *Module) handleDownloadDocument(scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, err := parseOwnerID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		docID, err := strconv.ParseUint(strings.TrimSpace(c.Param("docID")), 10, 64)
		if err != nil || docID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}

		ctx := c.Request.Context()

		var record IndexDocument
		if err := m.db.WithContext(ctx).
			Where("id = ? AND scope = ? AND owner_id = ?", docID, string(scope), ownerID).
			First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
			return
		}
		if record.ObjectKey == nil || m.documents == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document has no stored copy"})
			return
		}

		url, err := m.documents.PresignedURL(ctx, *record.ObjectKey, documentURLExpiry)
		if err != nil {
			log.Printf("retrieval: sign download for document %d failed: %v", record.ID, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to sign download url"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"url":        url,
			"expires_in": int(documentURLExpiry.Seconds()),
		})
	}
}

func parseOwnerID(c *gin.Context) (uint64, error) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
