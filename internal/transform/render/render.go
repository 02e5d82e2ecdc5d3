package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/storage"
)

// Transform renders a spec document into the requested target format and
// stores the final artifact under its deterministic key. HTML is the only
// target today; the switch in Apply is where new targets plug in.
type Transform struct {
	store  storage.Store
	logger logger.Logger
}

func New(store storage.Store, log logger.Logger) *Transform {
	return &Transform{store: store, logger: log}
}

func (t *Transform) Stage() string { return models.StageRender }

func (t *Transform) Apply(ctx context.Context, job models.JobMessage) (*models.ResultMessage, error) {
	reader, err := t.store.Get(ctx, job.InputLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spec: %w", err)
	}
	raw, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read spec: %w", err)
	}

	var doc models.Spec
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}

	target := job.TargetType
	if target == "" {
		target = models.ContentTypeHTML
	}

	var out []byte
	switch target {
	case models.ContentTypeHTML:
		out, err = RenderHTML(doc)
	case models.ContentTypeJSON:
		out, err = json.MarshalIndent(doc, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported target type %s for document %s", target, job.DocumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", target, err)
	}

	key := models.ArtifactKey(job.DocumentID, target)
	location, err := t.store.Put(ctx, key, bytes.NewReader(out), int64(len(out)), string(target))
	if err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	t.logger.Info("Artifact rendered",
		logger.String("documentId", job.DocumentID),
		logger.String("target", string(target)),
		logger.Int("bytes", len(out)),
	)

	return &models.ResultMessage{
		OutputLocation: location,
		TargetType:     target,
	}, nil
}

var pageTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// RenderHTML walks the spec node tree and emits a standalone HTML page.
func RenderHTML(doc models.Spec) ([]byte, error) {
	var body strings.Builder
	for _, node := range doc.Content {
		renderNode(&body, node)
	}

	var out bytes.Buffer
	err := pageTemplate.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{
		Title: doc.DocumentID,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func renderNode(sb *strings.Builder, node models.SpecNode) {
	switch node.Type {
	case "heading":
		level := 2
		if l, ok := node.Attrs["level"].(float64); ok {
			level = int(l)
		} else if l, ok := node.Attrs["level"].(int); ok {
			level = l
		}
		if level < 1 || level > 6 {
			level = 2
		}
		fmt.Fprintf(sb, "<h%d>", level)
		renderChildren(sb, node)
		fmt.Fprintf(sb, "</h%d>\n", level)
	case "paragraph":
		sb.WriteString("<p>")
		renderChildren(sb, node)
		sb.WriteString("</p>\n")
	case "text":
		sb.WriteString(template.HTMLEscapeString(node.Text))
	default:
		// Unknown node types render their children transparently.
		renderChildren(sb, node)
	}
}

func renderChildren(sb *strings.Builder, node models.SpecNode) {
	if node.Text != "" && len(node.Content) == 0 {
		sb.WriteString(template.HTMLEscapeString(node.Text))
		return
	}
	for _, child := range node.Content {
		renderNode(sb, child)
	}
}
