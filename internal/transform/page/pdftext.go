package page

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/nlfolio/converter/internal/models"
)

// PDFTextExtractor reads the embedded text layer of the page. It is the
// default extractor: fast, dependency free at runtime, but blind on
// scanned documents, where one of the OCR extractors should be configured
// instead.
type PDFTextExtractor struct{}

func NewPDFTextExtractor() *PDFTextExtractor { return &PDFTextExtractor{} }

func (e *PDFTextExtractor) Name() string { return "pdftext" }

func (e *PDFTextExtractor) Extract(ctx context.Context, pagePDF []byte, _ image.Image) (string, []models.Region, error) {
	br := bytes.NewReader(pagePDF)
	reader, err := pdf.NewReader(br, br.Size())
	if err != nil {
		return "", nil, fmt.Errorf("failed to open page pdf: %w", err)
	}

	p := reader.Page(1)
	if p.V.IsNull() {
		return "", nil, nil
	}

	rows, err := p.GetTextByRow()
	if err != nil {
		return "", nil, fmt.Errorf("failed to read page text: %w", err)
	}

	var sb strings.Builder
	regions := make([]models.Region, 0, len(rows))
	for _, row := range rows {
		var line strings.Builder
		for _, word := range row.Content {
			line.WriteString(word.S)
		}
		text := strings.TrimSpace(line.String())
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
		regions = append(regions, models.Region{
			Kind: "line",
			Text: text,
			Top:  float64(row.Position),
		})
	}

	return sb.String(), regions, nil
}
