package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/internal/service/conversion"
	"github.com/nlfolio/converter/pkg/logger"
)

type DocumentHandler struct {
	service conversion.DocumentConverter
	logger  logger.Logger
}

// SubmitResponse 定义提交响应结构
type SubmitResponse struct {
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"fileSize"`
	TargetType string `json:"targetType"`
	EventsURL  string `json:"eventsUrl"`
	CreatedAt  string `json:"createdAt"`
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewDocumentHandler(service conversion.DocumentConverter, logger logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service: service,
		logger:  logger,
	}
}

// SubmitDocument 提交单个文档
func (h *DocumentHandler) SubmitDocument(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	target := models.ContentType(c.PostForm("targetType"))

	doc, err := h.service.Submit(c.Request.Context(), file, header, target)
	if err != nil {
		h.handleError(c, http.StatusUnprocessableEntity, "Failed to accept document", err)
		return
	}

	c.JSON(http.StatusAccepted, submitResponse(doc))
}

// SubmitBatch 批量提交文档
func (h *DocumentHandler) SubmitBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	target := models.ContentType(c.PostForm("targetType"))

	docs, err := h.service.SubmitBatch(c.Request.Context(), files, target)
	if err != nil {
		h.handleError(c, http.StatusUnprocessableEntity, "Failed to accept documents", err)
		return
	}

	responses := make([]SubmitResponse, len(docs))
	for i, doc := range docs {
		responses[i] = submitResponse(doc)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":   fmt.Sprintf("Converting %d documents", len(docs)),
		"documents": responses,
	})
}

// GetStatus 获取转换状态
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	documentID := c.Param("documentId")
	if documentID == "" {
		h.handleError(c, http.StatusBadRequest, "Document ID is required", nil)
		return
	}

	event, err := h.service.Status(c.Request.Context(), documentID)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to get status", err)
		return
	}
	if event == nil {
		h.handleError(c, http.StatusNotFound, "Unknown document", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"documentId": documentID,
		"status":     string(event.Type),
		"stage":      event.Stage,
		"detail":     event.Detail,
		"location":   event.Location,
		"seq":        event.Seq,
		"updatedAt":  event.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
	})
}

func submitResponse(doc *models.Document) SubmitResponse {
	return SubmitResponse{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		FileSize:   doc.FileSize,
		TargetType: string(doc.TargetType),
		EventsURL:  fmt.Sprintf("/api/v1/documents/%s/events", doc.ID),
		CreatedAt:  doc.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// handleError 统一错误处理
func (h *DocumentHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	)

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(status, response)
}
