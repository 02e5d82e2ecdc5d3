package conversion

import (
	"context"
	"io"
	"mime/multipart"

	"github.com/nlfolio/converter/internal/models"
)

type DocumentConverter interface {
	Submit(ctx context.Context, file multipart.File, header *multipart.FileHeader, target models.ContentType) (*models.Document, error)
	SubmitBatch(ctx context.Context, files []*multipart.FileHeader, target models.ContentType) ([]*models.Document, error)
	Events(ctx context.Context, documentID string) (<-chan models.ConversionEvent, func(), error)
	Status(ctx context.Context, documentID string) (*models.ConversionEvent, error)
	GetArtifact(ctx context.Context, location string) (io.ReadCloser, error)
}
