package pagecount

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
	pdfcpu "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/storage"
)

// Transform probes the uploaded source and reports its page count, which
// is the cardinality the folio station fans out on.
type Transform struct {
	store  storage.Store
	logger logger.Logger
}

func New(store storage.Store, log logger.Logger) *Transform {
	return &Transform{store: store, logger: log}
}

func (t *Transform) Stage() string { return models.StagePageCount }

func (t *Transform) Apply(ctx context.Context, job models.JobMessage) (*models.ResultMessage, error) {
	reader, err := t.store.Get(ctx, job.InputLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}

	count, err := countPages(content)
	if err != nil {
		return nil, err
	}

	t.logger.Info("Counted pages",
		logger.String("documentId", job.DocumentID),
		logger.Int("pageCount", count),
	)

	// The source location and target rider travel with the result so the
	// fan-out downstream does not need to reconstruct them.
	return &models.ResultMessage{
		PageCount:      count,
		OutputLocation: job.InputLocation,
		TargetType:     job.TargetType,
	}, nil
}

// countPages tries the plain reader first and falls back to pdfcpu, which
// copes better with slightly damaged files.
func countPages(content []byte) (int, error) {
	br := bytes.NewReader(content)
	if pdfReader, err := pdf.NewReader(br, br.Size()); err == nil {
		if n := pdfReader.NumPage(); n > 0 {
			return n, nil
		}
	}

	n, err := pdfcpu.PageCount(bytes.NewReader(content), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}
