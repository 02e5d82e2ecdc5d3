package page

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/nlfolio/converter/internal/models"
)

// TesseractExtractor runs local OCR over the rasterized page. Languages
// follow tesseract's naming ("eng", "nld", ...).
type TesseractExtractor struct {
	languages []string
}

func NewTesseractExtractor(languages ...string) *TesseractExtractor {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &TesseractExtractor{languages: languages}
}

func (e *TesseractExtractor) Name() string { return "tesseract" }

func (e *TesseractExtractor) Extract(ctx context.Context, _ []byte, img image.Image) (string, []models.Region, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", nil, fmt.Errorf("failed to encode image for ocr: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(strings.Join(e.languages, "+")); err != nil {
		return "", nil, fmt.Errorf("failed to set ocr language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return "", nil, fmt.Errorf("failed to set page seg mode: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", nil, fmt.Errorf("failed to set ocr image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", nil, fmt.Errorf("ocr failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_BLOCK)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read ocr regions: %w", err)
	}

	regions := make([]models.Region, 0, len(boxes))
	for _, box := range boxes {
		word := strings.TrimSpace(box.Word)
		if word == "" {
			continue
		}
		regions = append(regions, models.Region{
			Kind:   "block",
			Text:   word,
			Left:   float64(box.Box.Min.X),
			Top:    float64(box.Box.Min.Y),
			Width:  float64(box.Box.Dx()),
			Height: float64(box.Box.Dy()),
		})
	}

	return text, regions, nil
}
