package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	batchports "github.com/procflow-go/internal/batch/ports"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/internal/modification/builder"
	"github.com/procflow-go/internal/modification/instruction"
	"github.com/procflow-go/pkg/logger"
)

// BuilderFactory yields a fresh builder per request, wired with the shared
// collaborators.
type BuilderFactory func() *builder.Builder

type ModificationHandlers struct {
	newBuilder BuilderFactory
	batches    batchports.Repository
	logger     logger.Logger
}

func NewModificationHandlers(factory BuilderFactory, batches batchports.Repository, log logger.Logger) *ModificationHandlers {
	return &ModificationHandlers{
		newBuilder: factory,
		batches:    batches,
		logger:     log,
	}
}

func (h *ModificationHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *ModificationHandlers) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// ModificationRequest is the wire form of one modification call.
type ModificationRequest struct {
	ProcessInstanceIDs  []string                  `json:"processInstanceIds"`
	ProcessDefinitionID string                    `json:"processDefinitionId"`
	Instructions        []instruction.Instruction `json:"instructions" binding:"required"`
	SkipCustomListeners bool                      `json:"skipCustomListeners"`
	SkipIoMappings      bool                      `json:"skipIoMappings"`
}

func (h *ModificationHandlers) build(req ModificationRequest, instanceID string) *builder.Builder {
	b := h.newBuilder()
	for _, in := range req.Instructions {
		b.AddInstruction(in)
	}
	if instanceID != "" {
		b.ProcessInstanceIDs(instanceID)
	} else {
		b.ProcessInstanceIDs(req.ProcessInstanceIDs...)
	}
	b.ProcessDefinitionID(req.ProcessDefinitionID)
	if req.SkipCustomListeners {
		b.SkipCustomListeners()
	}
	if req.SkipIoMappings {
		b.SkipIoMappings()
	}
	return b
}

// Modify applies a modification to the single instance named in the path.
func (h *ModificationHandlers) Modify(c *gin.Context) {
	var req ModificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	if err := h.build(req, id).Execute(c.Request.Context()); err != nil {
		h.fail(c, err, "Modification failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// Execute applies a modification synchronously across the instances named
// in the body.
func (h *ModificationHandlers) Execute(c *gin.Context) {
	var req ModificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.build(req, "").Execute(c.Request.Context()); err != nil {
		h.fail(c, err, "Modification failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// ExecuteAsync turns the modification into a batch and returns its handle.
func (h *ModificationHandlers) ExecuteAsync(c *gin.Context) {
	var req ModificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.build(req, "").ExecuteAsync(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Batch creation failed")
		return
	}
	c.JSON(http.StatusOK, created)
}

func (h *ModificationHandlers) GetBatch(c *gin.Context) {
	b, err := h.batches.BatchByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Batch lookup failed")
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *ModificationHandlers) GetBatchStatus(c *gin.Context) {
	status, err := h.batches.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Batch status failed")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *ModificationHandlers) fail(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps the engine's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, runtime.ErrValidation),
		errors.Is(err, runtime.ErrInvalidActivity),
		errors.Is(err, runtime.ErrAmbiguousActivityInstance),
		errors.Is(err, runtime.ErrNotCancellable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
