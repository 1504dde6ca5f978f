package http

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"termoload/internal/domain"
	"termoload/internal/downloader"
	"termoload/internal/fetcher"
	"termoload/internal/registry"
	"termoload/internal/service"
	"termoload/internal/storage"
)

const (
	controlTimeout = 10 * time.Second
	remoteTimeout  = 30 * time.Second
)

// Engine is the download manager surface the API drives.
type Engine interface {
	Add(ctx context.Context, req downloader.AddRequest) (domain.Transfer, error)
	Get(id int64) (domain.Transfer, error)
	List() []domain.Transfer
	Pause(ctx context.Context, id int64) error
	PauseAll(ctx context.Context) error
	Resume(ctx context.Context, id int64) error
	Restart(ctx context.Context, id int64) error
	Remove(ctx context.Context, id int64, deleteFiles bool) (domain.Transfer, error)
	Inspect(ctx context.Context, source string) (domain.TorrentInfo, error)
}

// Archive is the optional remote copy of completed artifacts.
type Archive interface {
	Objects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	Purge(ctx context.Context, id int64) error
}

// Handler wires HTTP routes to the download engine and its collaborators.
type Handler struct {
	engine  Engine
	history service.HistoryService
	files   service.FileService
	archive Archive
}

// NewHandler builds the API. archive may be nil when no bucket is configured.
func NewHandler(engine Engine, history service.HistoryService, files service.FileService, archive Archive) *Handler {
	return &Handler{
		engine:  engine,
		history: history,
		files:   files,
		archive: archive,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})

		api.POST("/transfers", h.createTransfer)
		api.GET("/transfers", h.listTransfers)
		api.POST("/transfers/pause-all", h.pauseAll)
		api.GET("/transfers/:id", h.getTransfer)
		api.DELETE("/transfers/:id", h.deleteTransfer)
		api.POST("/transfers/:id/pause", h.pauseTransfer)
		api.POST("/transfers/:id/resume", h.resumeTransfer)
		api.POST("/transfers/:id/restart", h.restartTransfer)
		api.GET("/transfers/:id/files", h.listFiles)

		api.POST("/torrents/inspect", h.inspectTorrent)

		api.GET("/history", h.listHistory)
		api.GET("/history/stats", h.historyStats)
		api.DELETE("/history", h.clearHistory)

		api.GET("/storage/objects", h.listObjects)
		api.DELETE("/storage/transfers/:id", h.purgeArchive)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// statusFor maps engine errors onto response codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrEmptySource),
		errors.Is(err, downloader.ErrUnsupportedKind),
		errors.Is(err, downloader.ErrNotTorrent),
		errors.Is(err, os.ErrNotExist):
		return http.StatusBadRequest
	case errors.Is(err, downloader.ErrNotCompleted),
		errors.Is(err, downloader.ErrAlreadyComplete),
		errors.Is(err, registry.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, fetcher.ErrMetadataTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer id"})
		return 0, false
	}
	return id, true
}

type createTransferRequest struct {
	Source         string `json:"source" binding:"required"`
	DestinationDir string `json:"destination_dir"`
	Name           string `json:"name"`
	SelectedFiles  []int  `json:"selected_files"`
}

func (h *Handler) createTransfer(c *gin.Context) {
	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.engine.Add(c.Request.Context(), downloader.AddRequest{
		Source:         req.Source,
		DestinationDir: req.DestinationDir,
		Name:           req.Name,
		SelectedFiles:  req.SelectedFiles,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, transferToResponse(t))
}

func (h *Handler) listTransfers(c *gin.Context) {
	transfers := h.engine.List()
	resp := make([]TransferResponse, len(transfers))
	for i := range transfers {
		resp[i] = transferToResponse(transfers[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTransfer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	t, err := h.engine.Get(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transferToResponse(t))
}

// control runs one engine action and answers with the transfer afterwards.
func (h *Handler) control(c *gin.Context, action func(ctx context.Context, id int64) error) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), controlTimeout)
	defer cancel()
	if err := action(ctx, id); err != nil {
		abortWithError(c, err)
		return
	}
	t, err := h.engine.Get(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transferToResponse(t))
}

func (h *Handler) pauseTransfer(c *gin.Context) {
	h.control(c, h.engine.Pause)
}

func (h *Handler) resumeTransfer(c *gin.Context) {
	h.control(c, h.engine.Resume)
}

func (h *Handler) restartTransfer(c *gin.Context) {
	h.control(c, h.engine.Restart)
}

func (h *Handler) pauseAll(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), controlTimeout)
	defer cancel()
	if err := h.engine.PauseAll(ctx); err != nil {
		abortWithError(c, err)
		return
	}
	h.listTransfers(c)
}

func (h *Handler) deleteTransfer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), controlTimeout)
	defer cancel()
	t, err := h.engine.Remove(ctx, id, deleteFiles)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": t.ID, "files_deleted": deleteFiles})
}

func (h *Handler) listFiles(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	t, err := h.engine.Get(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if t.Kind != domain.KindTorrent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transfer is not a torrent"})
		return
	}

	files, err := h.files.ListFiles(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, filesToResponse(files))
}

type inspectRequest struct {
	Source string `json:"source" binding:"required"`
}

func (h *Handler) inspectTorrent(c *gin.Context) {
	var req inspectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.engine.Inspect(c.Request.Context(), req.Source)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, TorrentInfoResponse{
		InfoHash:   info.InfoHash,
		Name:       info.Name,
		TotalBytes: info.TotalBytes,
		Size:       humanBytes(info.TotalBytes),
		Files:      filesToResponse(info.Files),
	})
}

func (h *Handler) listHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = v
	}

	entries, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := make([]HistoryEntryResponse, len(entries))
	for i := range entries {
		resp[i] = historyToResponse(entries[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) historyStats(c *gin.Context) {
	stats, err := h.history.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statsToResponse(stats))
}

func (h *Handler) clearHistory(c *gin.Context) {
	n, err := h.history.Clear(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage archive not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), remoteTimeout)
	defer cancel()
	objects, err := h.archive.Objects(ctx, c.Query("prefix"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) purgeArchive(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage archive not configured"})
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), remoteTimeout)
	defer cancel()
	if err := h.archive.Purge(ctx, id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": id})
}
