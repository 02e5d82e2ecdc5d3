package spec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/storage"
)

// Transform derives the format-agnostic spec document from a folio. The
// spec is the pivot of the pipeline: everything before it is source-format
// specific, everything after it is target-format specific.
type Transform struct {
	store  storage.Store
	logger logger.Logger
}

func New(store storage.Store, log logger.Logger) *Transform {
	return &Transform{store: store, logger: log}
}

func (t *Transform) Stage() string { return models.StageSpec }

func (t *Transform) Apply(ctx context.Context, job models.JobMessage) (*models.ResultMessage, error) {
	reader, err := t.store.Get(ctx, job.InputLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch folio: %w", err)
	}
	raw, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read folio: %w", err)
	}

	var folio models.Folio
	if err := json.Unmarshal(raw, &folio); err != nil {
		return nil, fmt.Errorf("failed to decode folio: %w", err)
	}
	if folio.DocumentID != job.DocumentID {
		return nil, fmt.Errorf("folio document %s does not match job document %s", folio.DocumentID, job.DocumentID)
	}

	doc := Build(folio)

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode spec: %w", err)
	}

	key := models.SpecKey(job.DocumentID)
	location, err := t.store.Put(ctx, key, bytes.NewReader(encoded), int64(len(encoded)), string(models.ContentTypeJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to store spec: %w", err)
	}

	t.logger.Debug("Spec generated",
		logger.String("documentId", job.DocumentID),
		logger.Int("pages", folio.PageCount),
		logger.Int("nodes", len(doc.Content)),
	)

	return &models.ResultMessage{
		OutputLocation: location,
		TargetType:     job.TargetType,
	}, nil
}

// Build maps a folio onto the spec node tree. Each page contributes a
// heading with its ordinal followed by one paragraph per detected region,
// falling back to the raw page text when no regions were detected.
func Build(folio models.Folio) models.Spec {
	doc := models.Spec{
		DocumentID: folio.DocumentID,
		Type:       "doc",
	}

	for _, page := range folio.Pages {
		doc.Content = append(doc.Content, models.SpecNode{
			Type:  "heading",
			Attrs: map[string]interface{}{"level": 2, "page": page.Ordinal + 1},
			Content: []models.SpecNode{
				{Type: "text", Text: fmt.Sprintf("Page %d", page.Ordinal+1)},
			},
		})
		doc.Content = append(doc.Content, paragraphs(page)...)
	}

	return doc
}

func paragraphs(page models.Page) []models.SpecNode {
	var nodes []models.SpecNode
	for _, region := range page.Regions {
		text := strings.TrimSpace(region.Text)
		if text == "" {
			continue
		}
		nodes = append(nodes, paragraph(text))
	}
	if len(nodes) > 0 {
		return nodes
	}

	// No regions; split the plain text layer into paragraphs on blank lines.
	for _, block := range strings.Split(page.Text, "\n\n") {
		text := strings.TrimSpace(block)
		if text == "" {
			continue
		}
		nodes = append(nodes, paragraph(text))
	}
	return nodes
}

func paragraph(text string) models.SpecNode {
	return models.SpecNode{
		Type:    "paragraph",
		Content: []models.SpecNode{{Type: "text", Text: text}},
	}
}
