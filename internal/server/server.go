// Package server exposes the FCUID service over HTTP.
package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fsl-continuum/fcuid/internal/ratelimit"
	"github.com/fsl-continuum/fcuid/internal/service"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
	"github.com/fsl-continuum/fcuid/internal/validation"
)

// RequesterHeader carries the caller identity used for rate limiting.
const RequesterHeader = "X-Requester-ID"

// Handler serves the HTTP API.
type Handler struct {
	Service *service.Service
	Log     logrus.FieldLogger
}

// Router builds the gin engine with every route registered.
func Router(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())

	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	v1.POST("/fcuids", h.Mint)
	v1.GET("/fcuids/:id", h.Get)
	v1.GET("/fcuids/:id/events", h.Events)
	v1.POST("/fcuids/:id/refs", h.Attach)
	v1.POST("/fcuids/:id/status", h.AdvanceStatus)
	v1.POST("/fcuids/:id/commit", h.Commit)
	v1.POST("/fcuids/:id/verify", h.Verify)
	v1.POST("/fcuids/:id/resolve", h.Resolve)
	v1.GET("/lookup/external/:system/:external_id", h.ReverseLookup)
	v1.GET("/lookup/ledger/:tx", h.LookupByLedgerTx)
	v1.GET("/validate/:candidate", h.Validate)
	v1.GET("/reports/suspicious", h.Suspicious)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// requestLog tags each request with an id and logs it once finished.
func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)
		c.Next()
		h.Log.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"requester":  requester(c).ID,
			"ip":         c.ClientIP(),
			"duration":   time.Since(start).String(),
		}).Info("request")
	}
}

func requester(c *gin.Context) service.Requester {
	id := c.GetHeader(RequesterHeader)
	if id == "" {
		id = "anonymous"
	}
	return service.Requester{ID: id, IP: c.ClientIP()}
}

// fail maps an error to its HTTP status and writes it.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var limitErr *ratelimit.LimitError
	switch {
	case errors.As(err, &limitErr):
		status = http.StatusTooManyRequests
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limitErr.RetryAfter.Seconds()))))
	case errors.Is(err, validation.ErrInvalidFormat), errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflictingReference),
		errors.Is(err, storage.ErrAlreadySet),
		errors.Is(err, storage.ErrDuplicateID):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrFrozen):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Mint creates an FCUID.
func (h *Handler) Mint(c *gin.Context) {
	var req service.MintRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	resp, err := h.Service.Mint(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Get returns one record.
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.Service.Get(c.Request.Context(), requester(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Events returns the audit trail.
func (h *Handler) Events(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	events, err := h.Service.Events(c.Request.Context(), requester(c), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// Attach maps an external reference to the record.
func (h *Handler) Attach(c *gin.Context) {
	var input struct {
		System     string `json:"system" binding:"required"`
		ExternalID string `json:"external_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Service.Attach(c.Request.Context(), c.Param("id"), input.System, input.ExternalID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "attached"})
}

// AdvanceStatus moves the record forward.
func (h *Handler) AdvanceStatus(c *gin.Context) {
	var input struct {
		Status types.Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Service.AdvanceStatus(c.Request.Context(), c.Param("id"), input.Status); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": input.Status})
}

// Commit fills empty ledger slots. A partial commit answers 202.
func (h *Handler) Commit(c *gin.Context) {
	var input struct {
		Payload map[string]any `json:"payload"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	resp, err := h.Service.Commit(c.Request.Context(), c.Param("id"), input.Payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if resp.Degraded {
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

// Verify cross-checks both ledgers.
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.Service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Resolve closes a flagged record.
func (h *Handler) Resolve(c *gin.Context) {
	var input struct {
		Actor string `json:"actor"`
		Note  string `json:"note" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.Actor == "" {
		input.Actor = requester(c).ID
	}
	if err := h.Service.Resolve(c.Request.Context(), c.Param("id"), input.Actor, input.Note); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": types.StatusArchived})
}

// ReverseLookup resolves an external reference.
func (h *Handler) ReverseLookup(c *gin.Context) {
	id, err := h.Service.ReverseLookup(c.Request.Context(), requester(c), c.Param("system"), c.Param("external_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fcuid": id})
}

// LookupByLedgerTx resolves a ledger transaction.
func (h *Handler) LookupByLedgerTx(c *gin.Context) {
	id, err := h.Service.LookupByLedgerTx(c.Request.Context(), requester(c), c.Param("tx"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fcuid": id})
}

// Validate checks a candidate identifier.
func (h *Handler) Validate(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.Validate(c.Param("candidate")))
}

// Suspicious lists requesters with repeated failed lookups.
func (h *Handler) Suspicious(c *gin.Context) {
	entries, err := h.Service.SuspiciousReport(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Serve runs srv until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log logrus.FieldLogger) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
