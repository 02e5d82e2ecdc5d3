package handlers

import (
	"github.com/nlfolio/converter/internal/service/conversion"
	"github.com/nlfolio/converter/pkg/logger"
)

type Handlers struct {
	Document *DocumentHandler
	Artifact *ArtifactHandler
}

func NewHandlers(
	conversionService conversion.DocumentConverter,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Document: NewDocumentHandler(conversionService, logger),
		Artifact: NewArtifactHandler(conversionService, logger),
	}
}
