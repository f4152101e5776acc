package threads

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"glossa_back/authorization"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const maxListLimit = 100

// Module owns the workspace/project/thread records and their routes.
type Module struct {
	db    *gorm.DB
	store *Store
}

// RegisterRoutes initializes the thread module and mounts its routes.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Workspace{}, &Project{}, &Thread{}); err != nil {
		return nil, err
	}

	module := &Module{db: db, store: NewStore(db)}

	group := router.Group("")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	group.POST("/workspaces", module.handleCreateWorkspace)
	group.GET("/workspaces", module.handleListWorkspaces)
	group.GET("/workspaces/:id", module.handleGetWorkspace)
	group.POST("/workspaces/:id/projects", module.handleCreateProject)
	group.POST("/threads", module.handleCreateThread)
	group.GET("/threads", module.handleListThreads)
	group.GET("/threads/:id", module.handleGetThread)

	return module, nil
}

// Store exposes the owner-record accessor consumed by the retrieval module.
func (m *Module) Store() *Store {
	if m == nil {
		return nil
	}
	return m.store
}

type createWorkspaceRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
}

func (m *Module) handleCreateWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name cannot be empty"})
		return
	}

	workspace := Workspace{
		Name:      name,
		CreatedBy: authorization.CurrentUserID(c),
	}
	if req.Description != nil {
		if trimmed := strings.TrimSpace(*req.Description); trimmed != "" {
			workspace.Description = &trimmed
		}
	}

	if err := m.db.WithContext(c.Request.Context()).Create(&workspace).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create workspace"})
		return
	}

	c.JSON(http.StatusCreated, workspace)
}

func (m *Module) handleListWorkspaces(c *gin.Context) {
	userID := authorization.CurrentUserID(c)

	var workspaces []Workspace
	if err := m.db.WithContext(c.Request.Context()).
		Where("created_by = ?", userID).
		Order("updated_at DESC").
		Limit(maxListLimit).
		Find(&workspaces).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workspaces"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

func (m *Module) handleGetWorkspace(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var workspace Workspace
	if err := m.db.WithContext(c.Request.Context()).Where("id = ?", id).Take(&workspace).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workspace"})
		return
	}

	c.JSON(http.StatusOK, workspace)
}

type createProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

func (m *Module) handleCreateProject(c *gin.Context) {
	workspaceID, err := parsePathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name cannot be empty"})
		return
	}

	ctx := c.Request.Context()

	var workspace Workspace
	if err := m.db.WithContext(ctx).Where("id = ?", workspaceID).Take(&workspace).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workspace"})
		return
	}

	project := Project{
		WorkspaceID: workspace.ID,
		Name:        name,
		CreatedBy:   authorization.CurrentUserID(c),
	}
	if err := m.db.WithContext(ctx).Create(&project).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
		return
	}

	c.JSON(http.StatusCreated, project)
}

type createThreadRequest struct {
	WorkspaceID uint64  `json:"workspace_id" binding:"required"`
	ProjectID   *uint64 `json:"project_id"`
	Title       string  `json:"title"`
}

func (m *Module) handleCreateThread(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	ctx := c.Request.Context()

	var workspace Workspace
	if err := m.db.WithContext(ctx).Where("id = ?", req.WorkspaceID).Take(&workspace).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workspace"})
		return
	}

	if req.ProjectID != nil {
		var project Project
		if err := m.db.WithContext(ctx).
			Where("id = ? AND workspace_id = ?", *req.ProjectID, workspace.ID).
			Take(&project).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "project not found in workspace"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load project"})
			return
		}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New thread"
	}

	thread := Thread{
		WorkspaceID: workspace.ID,
		ProjectID:   req.ProjectID,
		Title:       title,
		Status:      "active",
		CreatedBy:   authorization.CurrentUserID(c),
	}
	if err := m.db.WithContext(ctx).Create(&thread).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create thread"})
		return
	}

	c.JSON(http.StatusCreated, thread)
}

func (m *Module) handleListThreads(c *gin.Context) {
	workspaceParam := strings.TrimSpace(c.Query("workspace_id"))
	if workspaceParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id is required"})
		return
	}
	workspaceID, err := strconv.ParseUint(workspaceParam, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace_id"})
		return
	}

	var items []Thread
	if err := m.db.WithContext(c.Request.Context()).
		Where("workspace_id = ?", workspaceID).
		Order("COALESCE(last_msg_at, created_at) DESC").
		Limit(maxListLimit).
		Find(&items).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load threads"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "threads": items})
}

func (m *Module) handleGetThread(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var thread Thread
	if err := m.db.WithContext(c.Request.Context()).Where("id = ?", id).Take(&thread).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}

	c.JSON(http.StatusOK, thread)
}

func parsePathID(c *gin.Context, name string) (uint64, error) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}
