package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nlfolio/converter/internal/service/conversion"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/storage"
)

type ArtifactHandler struct {
	service conversion.DocumentConverter
	logger  logger.Logger
}

func NewArtifactHandler(service conversion.DocumentConverter, logger logger.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		service: service,
		logger:  logger,
	}
}

// Download 下载产物 by its storage location.
func (h *ArtifactHandler) Download(c *gin.Context) {
	location := strings.TrimPrefix(c.Param("location"), "/")
	if location == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "Artifact location is required"})
		return
	}

	reader, err := h.service.GetArtifact(c.Request.Context(), location)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Message: "Artifact not found"})
			return
		}
		h.logger.Error("Failed to fetch artifact",
			logger.String("location", location),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "Failed to fetch artifact", Error: err.Error()})
		return
	}
	defer reader.Close()

	contentType := mime.TypeByExtension(filepath.Ext(location))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		h.logger.Error("Failed to stream artifact",
			logger.String("location", location),
			logger.Error(err),
		)
	}
}
