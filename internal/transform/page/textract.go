package page

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	cfg "github.com/nlfolio/converter/config"
	"github.com/nlfolio/converter/internal/models"
)

// TextractExtractor sends the page image to AWS Textract and maps the
// detected LINE blocks to regions.
type TextractExtractor struct {
	client *textract.Client
}

func NewTextractExtractor(ctx context.Context) (*TextractExtractor, error) {
	textractCfg := cfg.GetTextractConfig()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(textractCfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(textractCfg.AccessKey, textractCfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &TextractExtractor{client: textract.NewFromConfig(awsCfg)}, nil
}

func (e *TextractExtractor) Name() string { return "textract" }

func (e *TextractExtractor) Extract(ctx context.Context, _ []byte, img image.Image) (string, []models.Region, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", nil, fmt.Errorf("failed to encode image: %w", err)
	}

	result, err := e.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: buf.Bytes()},
	})
	if err != nil {
		return "", nil, fmt.Errorf("textract failed: %w", err)
	}

	bounds := img.Bounds()
	var text bytes.Buffer
	var regions []models.Region

	for _, block := range result.Blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		text.WriteString(*block.Text)
		text.WriteString("\n")

		region := models.Region{Kind: "line", Text: *block.Text}
		if block.Geometry != nil && block.Geometry.BoundingBox != nil {
			// Textract reports geometry as ratios of the page size.
			bb := block.Geometry.BoundingBox
			region.Left = float64(bb.Left) * float64(bounds.Dx())
			region.Top = float64(bb.Top) * float64(bounds.Dy())
			region.Width = float64(bb.Width) * float64(bounds.Dx())
			region.Height = float64(bb.Height) * float64(bounds.Dy())
		}
		regions = append(regions, region)
	}

	return text.String(), regions, nil
}
