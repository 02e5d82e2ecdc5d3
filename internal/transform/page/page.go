package page

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	pdfcpu "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/storage"
)

// Extractor pulls text and regions out of a single page. Implementations
// are interchangeable per deployment: plain PDF text, local tesseract OCR
// or AWS Textract.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, pagePDF []byte, img image.Image) (string, []models.Region, error)
}

const maxImageWidth = 2048

// Transform processes one page of a document: it cuts the page out of the
// source, rasterizes it, stores the page image and runs the extractor.
// The same job always produces the same object keys, so redelivered jobs
// overwrite their earlier output instead of duplicating it.
type Transform struct {
	store     storage.Store
	extractor Extractor
	logger    logger.Logger
}

func New(store storage.Store, extractor Extractor, log logger.Logger) *Transform {
	return &Transform{store: store, extractor: extractor, logger: log}
}

func (t *Transform) Stage() string { return models.StagePage }

func (t *Transform) Apply(ctx context.Context, job models.JobMessage) (*models.ResultMessage, error) {
	if job.Ordinal < 0 {
		return nil, fmt.Errorf("page job without ordinal for document %s", job.DocumentID)
	}
	if job.PageCount > 0 && job.Ordinal >= job.PageCount {
		return nil, fmt.Errorf("page ordinal %d out of range for document %s", job.Ordinal, job.DocumentID)
	}

	reader, err := t.store.Get(ctx, job.InputLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source: %w", err)
	}
	source, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}

	pagePDF, err := cutPage(source, job.Ordinal)
	if err != nil {
		return nil, fmt.Errorf("failed to cut page %d: %w", job.Ordinal, err)
	}

	img, err := rasterize(pagePDF)
	if err != nil {
		return nil, fmt.Errorf("failed to rasterize page %d: %w", job.Ordinal, err)
	}
	img = normalize(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page image: %w", err)
	}

	imageKey := models.PageImageKey(job.DocumentID, job.Ordinal)
	location, err := t.store.Put(ctx, imageKey, bytes.NewReader(buf.Bytes()), int64(buf.Len()), string(models.ContentTypePNG))
	if err != nil {
		return nil, fmt.Errorf("failed to store page image: %w", err)
	}

	text, regions, err := t.extractor.Extract(ctx, pagePDF, img)
	if err != nil {
		return nil, fmt.Errorf("extractor %s failed on page %d: %w", t.extractor.Name(), job.Ordinal, err)
	}

	t.logger.Debug("Page processed",
		logger.String("documentId", job.DocumentID),
		logger.Int("ordinal", job.Ordinal),
		logger.String("extractor", t.extractor.Name()),
		logger.Int("regions", len(regions)),
	)

	return &models.ResultMessage{
		Page: &models.Page{
			DocumentID:    job.DocumentID,
			Ordinal:       job.Ordinal,
			ImageLocation: location,
			Text:          text,
			Regions:       regions,
		},
	}, nil
}

// cutPage extracts the single page (0-based ordinal) as a standalone PDF.
func cutPage(source []byte, ordinal int) ([]byte, error) {
	var out bytes.Buffer
	pages := []string{fmt.Sprintf("%d", ordinal+1)}
	if err := pdfcpu.Trim(bytes.NewReader(source), &out, pages, nil); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// rasterize renders the first page of the given PDF to an image.
func rasterize(pagePDF []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pagePDF)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("no pages in rendered pdf")
	}
	img, err := doc.Image(0)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// normalize applies the preprocessing the extractors expect: grayscale and
// a bounded width.
func normalize(img image.Image) image.Image {
	out := imaging.Grayscale(img)
	if out.Bounds().Dx() > maxImageWidth {
		out = imaging.Resize(out, maxImageWidth, 0, imaging.Lanczos)
	}
	return out
}
