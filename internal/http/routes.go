package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/harsha-chodavarapu/student-app/internal/config"
	"github.com/harsha-chodavarapu/student-app/internal/domain"
	"github.com/harsha-chodavarapu/student-app/internal/services"
	"github.com/harsha-chodavarapu/student-app/internal/storage"
)

type API struct {
	cfg       config.Config
	log       *logrus.Logger
	store     *storage.Store
	local     *storage.LocalFiles
	materials *services.Materials
	pipeline  *services.Pipeline
	ingestor  *services.Ingestor
	ledger    *services.Ledger
	openai    *services.OpenAIService
	pdf       *services.PDFService
	share     *services.ShareService
	pool      *services.WorkerPool
	closers   []func() error
}

func registerRoutes(r *gin.Engine, api *API) {
	r.GET("/api/health", api.handleHealth)

	apiGroup := r.Group("/api", Identity(api.store, api.cfg.TestIdentityEnabled(), api.cfg.TestUserCoins))
	{
		apiGroup.POST("/documents", api.handleUploadDocument)
		apiGroup.GET("/documents/:id", api.handleGetDocument)
		apiGroup.POST("/documents/:id/generate", api.handleGenerate)
		apiGroup.GET("/documents/:id/ai-content", api.handleAIContent)
		apiGroup.DELETE("/documents/:id/ai-reference", api.handleInvalidateReference)
		apiGroup.POST("/documents/:id/pdf", api.handleGeneratePDF)
		apiGroup.POST("/documents/:id/share", api.handleShareDocument)

		apiGroup.GET("/jobs/:id", api.handleGetJob)
		apiGroup.GET("/me/coins", api.handleCoins)
	}

	r.GET("/pdf/:id", api.handleServePDF)
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "aiConfigured": a.openai.Configured()})
}

func (a *API) handleUploadDocument(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "missing document file")
		return
	}

	upload, err := fileHeader.Open()
	if err != nil {
		a.log.WithError(err).Error("open uploaded file")
		respondMessage(c, http.StatusInternalServerError, "unable to read uploaded file")
		return
	}
	defer upload.Close()

	doc, err := a.materials.Upload(c.Request.Context(), services.UploadInput{
		UserID:   currentUser(c),
		Title:    strings.TrimSpace(c.PostForm("title")),
		Subject:  strings.TrimSpace(c.PostForm("subject")),
		FileName: fileHeader.Filename,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Body:     upload,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"document": doc})
}

func (a *API) handleGetDocument(c *gin.Context) {
	doc, err := a.store.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (a *API) handleGenerate(c *gin.Context) {
	var payload struct {
		Type string `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be one of summary, flashcards, both", "kind": domain.ErrorKind(domain.ErrInvalidInput)})
		return
	}
	// Submit normalises case and rejects unknown types.

	job, err := a.pipeline.Submit(c.Request.Context(), currentUser(c), c.Param("id"), domain.ContentType(payload.Type))
	if err != nil {
		if job.ID != "" {
			c.JSON(statusFor(err), gin.H{
				"error":  err.Error(),
				"kind":   domain.ErrorKind(err),
				"jobId":  job.ID,
				"status": job.Status,
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "status": job.Status})
}

func (a *API) handleGetJob(c *gin.Context) {
	job, err := a.pipeline.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if job.UserID != currentUser(c) {
		respondMessage(c, http.StatusNotFound, "job not found")
		return
	}

	c.JSON(http.StatusOK, job)
}

func (a *API) handleAIContent(c *gin.Context) {
	doc, err := a.store.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var flashcards any
	if doc.HasFlashcards() {
		// stored verbatim when the backend returned something unparsable
		var cards domain.Flashcards
		if err := json.Unmarshal([]byte(*doc.FlashcardsJSON), &cards); err == nil {
			flashcards = cards
		} else {
			flashcards = *doc.FlashcardsJSON
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"documentId":    doc.ID,
		"title":         doc.Title,
		"summary":       doc.Summary,
		"flashcards":    flashcards,
		"hasSummary":    doc.HasSummary(),
		"hasFlashcards": doc.HasFlashcards(),
	})
}

func (a *API) handleInvalidateReference(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := a.store.GetDocument(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := a.ingestor.InvalidateReference(ctx, &doc); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) handleCoins(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUser(c)

	balance, err := a.ledger.Balance(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	entries, err := a.ledger.Entries(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance, "entries": entries})
}

func (a *API) handleGeneratePDF(c *gin.Context) {
	doc, err := a.store.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	pdfPath := a.local.PDFPath(doc.ID)
	if err := a.pdf.RenderStudySheet(doc, pdfPath); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pdfPath": services.StudySheetPath(doc.ID)})
}

func (a *API) handleShareDocument(c *gin.Context) {
	doc, err := a.store.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if _, err := os.Stat(a.local.PDFPath(doc.ID)); err != nil {
		respondMessage(c, http.StatusBadRequest, "no pdf available for this document")
		return
	}

	link, err := a.share.Generate(doc.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": link.URL, "expiresAt": link.ExpiresAt.UTC()})
}

func (a *API) handleServePDF(c *gin.Context) {
	docID := c.Param("id")
	expiresParam := c.Query("exp")
	signature := c.Query("sig")

	if expiresParam == "" || signature == "" {
		respondMessage(c, http.StatusBadRequest, "missing signature")
		return
	}

	expires, err := strconv.ParseInt(expiresParam, 10, 64)
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "invalid expiration")
		return
	}

	if err := a.share.Validate(docID, expires, signature); err != nil {
		respondError(c, err)
		return
	}

	doc, err := a.store.GetDocument(c.Request.Context(), docID)
	if err != nil {
		respondError(c, err)
		return
	}

	pdfPath := a.local.PDFPath(doc.ID)
	if _, err := os.Stat(pdfPath); err != nil {
		respondMessage(c, http.StatusNotFound, "pdf not found")
		return
	}

	name := doc.Title
	if strings.TrimSpace(name) == "" {
		name = doc.ID
	}
	c.Header("Content-Type", "application/pdf")
	c.FileAttachment(pdfPath, name+".pdf")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrLinkSignature):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, services.ErrLinkExpired):
		return http.StatusGone
	case errors.Is(err, storage.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrUploadFailed),
		errors.Is(err, domain.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNotConfigured),
		errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, services.ErrShareUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrGenerationTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": message, "kind": domain.ErrorKind(err)})
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func (a *API) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Stop(ctx)
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.log.WithError(err).Warn("close resource")
		}
	}
}
