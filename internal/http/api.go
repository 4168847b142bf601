package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vidfetch/internal/domain"
	"vidfetch/internal/downloader"
	"vidfetch/internal/repository"
	"vidfetch/internal/service"
	"vidfetch/internal/spider/bilibili"
	"vidfetch/internal/storage"
)

// Options carries the collaborators of a Handler.
type Options struct {
	Batches  service.BatchService
	Users    service.UserService
	Manager  downloader.Manager
	Storage  storage.Service
	Bucket   string
	DataRoot string

	JWTSecret string
	TokenTTL  time.Duration
	// CORSOrigins of "*" or empty allows every origin.
	CORSOrigins []string
	Events      *Hub
	Logger      *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	batches  service.BatchService
	users    service.UserService
	manager  downloader.Manager
	storage  storage.Service
	bucket   string
	dataRoot string

	jwtSecret []byte
	tokenTTL  time.Duration
	origins   []string
	events    *Hub
	logger    *logrus.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Handler{
		batches:   opts.Batches,
		users:     opts.Users,
		manager:   opts.Manager,
		storage:   opts.Storage,
		bucket:    opts.Bucket,
		dataRoot:  opts.DataRoot,
		jwtSecret: []byte(opts.JWTSecret),
		tokenTTL:  opts.TokenTTL,
		origins:   opts.CORSOrigins,
		events:    opts.Events,
		logger:    opts.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)
	}

	protected := api.Group("")
	protected.Use(h.authMiddleware())
	{
		protected.GET("/auth/me", h.me)
		protected.POST("/batches", h.createBatch)
		protected.GET("/batches", h.listBatches)
		protected.GET("/batches/:id", h.getBatch)
		protected.DELETE("/batches/:id", h.deleteBatch)
		protected.GET("/storage/objects", h.listObjects)
		protected.GET("/storage/url", h.objectURL)
		if h.events != nil {
			protected.GET("/events", h.serveEvents)
		}
	}
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	config := cors.DefaultConfig()
	if len(h.origins) == 0 || (len(h.origins) == 1 && h.origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = h.origins
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	config.ExposeHeaders = []string{"Content-Disposition"}
	return cors.New(config)
}

type createBatchRequest struct {
	IDs     []string `json:"ids" binding:"required"`
	Quality int      `json:"quality"`
	Codecs  string   `json:"codecs"`
}

func (h *Handler) createBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := h.batches.CreateBatch(c.Request.Context(), service.BatchRequest{
		ItemIDs: bilibili.ParseItemIDs(req.IDs...),
		Quality: req.Quality,
		Codecs:  strings.TrimSpace(req.Codecs),
	}, h.dataRoot)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrNoItems) || req.Quality < 0 {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Enqueue(c.Request.Context(), batch.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, batchToResponse(*batch))
}

func (h *Handler) listBatches(c *gin.Context) {
	var (
		batches []domain.Batch
		err     error
	)
	if raw := c.Query("status"); raw != "" {
		var statuses []domain.BatchStatus
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.BatchStatus(strings.TrimSpace(s)))
		}
		batches, err = h.batches.ListByStatuses(c.Request.Context(), statuses...)
	} else {
		batches, err = h.batches.ListBatches(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]BatchResponse, len(batches))
	for i := range batches {
		resp[i] = batchToResponse(batches[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getBatch(c *gin.Context) {
	batch, ok := h.lookupBatch(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, batchToResponse(*batch))
}

func (h *Handler) lookupBatch(c *gin.Context) (*domain.Batch, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return nil, false
	}

	batch, err := h.batches.GetBatch(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, false
	}
	return batch, true
}

// deleteBatch cancels a batch. With purge=true the record and the local files
// are removed too; delete_remote=true also removes the published objects.
func (h *Handler) deleteBatch(c *gin.Context) {
	purge, err := strconv.ParseBool(c.DefaultQuery("purge", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag purge"})
		return
	}
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	batch, ok := h.lookupBatch(c)
	if !ok {
		return
	}

	var warnings []string
	if h.manager != nil {
		cancelCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		if err := h.manager.Cancel(cancelCtx, batch.ID); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			warnings = append(warnings, fmt.Sprintf("cancel batch: %v", err))
		}
	}

	if deleteRemote {
		if h.storage == nil || h.bucket == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
			return
		}
		for _, prefix := range remotePrefixes(batch, h.bucket) {
			remoteCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
			err := h.storage.DeletePrefix(remoteCtx, h.bucket, prefix)
			cancel()
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
			}
		}
	}

	resp := gin.H{"cancelled": batch.ID}
	if purge {
		warnings = append(warnings, h.cleanupLocalData(batch)...)
		if err := h.batches.DeleteBatch(c.Request.Context(), batch.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["deleted"] = batch.ID
	}

	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

// remotePrefixes returns the distinct key prefixes the items of batch were
// published under.
func remotePrefixes(batch *domain.Batch, bucket string) []string {
	seen := make(map[string]struct{})
	var prefixes []string
	for _, item := range batch.Items {
		if item.RemoteLocation == "" {
			continue
		}
		key, err := extractS3Prefix(item.RemoteLocation, bucket)
		if err != nil {
			continue
		}
		prefix := path.Dir(key)
		if prefix == "." || prefix == "/" {
			prefix = key
		} else {
			prefix += "/"
		}
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}

func (h *Handler) cleanupLocalData(batch *domain.Batch) []string {
	root := filepath.Clean(h.dataRoot)
	clean := filepath.Clean(batch.SaveDir)
	if root == "" || clean == "" || clean == "." {
		return nil
	}
	if rel, err := filepath.Rel(root, clean); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return []string{fmt.Sprintf("refusing to remove %s outside of %s", clean, root)}
	}
	if err := os.RemoveAll(clean); err != nil && !os.IsNotExist(err) {
		return []string{fmt.Sprintf("remove local data %s: %v", clean, err)}
	}
	return nil
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) objectURL(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}
	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	expires := 15 * time.Minute
	if raw := c.Query("expires"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > 7*24*time.Hour {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires"})
			return
		}
		expires = d
	}

	url, err := h.storage.GetObjectURL(c.Request.Context(), h.bucket, key, expires)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int(expires.Seconds())})
}

type BatchResponse struct {
	ID           string             `json:"id"`
	Status       domain.BatchStatus `json:"status"`
	SaveDir      string             `json:"save_dir"`
	Quality      int                `json:"quality"`
	Codecs       string             `json:"codecs"`
	Total        int                `json:"total"`
	SuccessCount int                `json:"success_count"`
	FailedCount  int                `json:"failed_count"`
	ErrorMessage string             `json:"error_message"`
	CreatedAt    string             `json:"created_at"`
	UpdatedAt    string             `json:"updated_at"`
	FinishedAt   *string            `json:"finished_at,omitempty"`
	Items        []ItemResponse     `json:"items"`
}

type ItemResponse struct {
	ItemID         string       `json:"item_id"`
	State          domain.State `json:"state"`
	Step           string       `json:"step"`
	OutputFile     string       `json:"output_file"`
	LogFile        string       `json:"log_file"`
	RemoteLocation string       `json:"remote_location"`
	ErrorMessage   string       `json:"error_message"`
	UpdatedAt      string       `json:"updated_at"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func batchToResponse(batch domain.Batch) BatchResponse {
	resp := BatchResponse{
		ID:           batch.ID,
		Status:       batch.Status,
		SaveDir:      batch.SaveDir,
		Quality:      batch.Quality,
		Codecs:       batch.Codecs,
		Total:        batch.Total,
		SuccessCount: batch.SuccessCount,
		FailedCount:  batch.FailedCount,
		ErrorMessage: batch.ErrorMessage,
		CreatedAt:    batch.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    batch.UpdatedAt.Format(time.RFC3339),
		Items:        make([]ItemResponse, len(batch.Items)),
	}
	if batch.FinishedAt != nil {
		v := batch.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}

	for i, item := range batch.Items {
		resp.Items[i] = ItemResponse{
			ItemID:         item.ItemID,
			State:          item.State,
			Step:           item.Step,
			OutputFile:     item.OutputFile,
			LogFile:        item.LogFile,
			RemoteLocation: item.RemoteLocation,
			ErrorMessage:   item.ErrorMessage,
			UpdatedAt:      item.UpdatedAt.Format(time.RFC3339),
		}
	}
	return resp
}

func extractS3Prefix(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if bucket != "" && parts[0] != bucket {
		return "", fmt.Errorf("s3 bucket mismatch")
	}
	if len(parts) == 1 {
		return "", fmt.Errorf("s3 prefix missing")
	}
	return strings.TrimPrefix(parts[1], "/"), nil
}
