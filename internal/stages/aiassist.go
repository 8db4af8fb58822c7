package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
)

const (
	aiSystemPrompt = "You extract provider roster rows from healthcare network documents. You must answer with a JSON array only."
	// scans larger than this are downsized before upload.
	maxImageEdge = 2048
)

var aiUserPrompt = `Extract every provider listed in the attached document.
Return a JSON array. Each element is an object whose keys are taken from this list:
` + strings.Join(columnFields(), ", ") + `.
Use an empty string for values that are not present. Do not invent providers. Return [] when there are none.`

// ContentGenerator is the slice of the Gemini model used here; *genai.GenerativeModel satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// AIAssist asks a multimodal model for rows when rule-based extraction cannot
// read the source. The orchestrator treats its failures as notes.
type AIAssist struct {
	model  ContentGenerator
	logger *zap.Logger
}

func NewAIAssist(model ContentGenerator, logger *zap.Logger) *AIAssist {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AIAssist{model: model, logger: logger.Named("ai_assist")}
}

// VertexModel is a configured Gemini client; Close releases the connection.
type VertexModel struct {
	*genai.GenerativeModel
	client *genai.Client
}

// NewVertexModel configures a Gemini model for deterministic JSON output.
func NewVertexModel(ctx context.Context, project, region, modelName string) (*VertexModel, error) {
	if project == "" || region == "" {
		return nil, eris.New("vertex project and region are required")
	}
	client, err := genai.NewClient(ctx, project, region)
	if err != nil {
		return nil, eris.Wrap(err, "genai.NewClient")
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(aiSystemPrompt)}}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	}
	return &VertexModel{GenerativeModel: model, client: client}, nil
}

func (m *VertexModel) Close() error {
	return m.client.Close()
}

func (a *AIAssist) Run(ctx context.Context, c orchestrator.Context) (orchestrator.Context, error) {
	if a.model == nil {
		c.Notef("ai_assist not configured; keeping %d extracted rows", len(c.Rows))
		return c, nil
	}
	if c.Artifacts == nil {
		return c, eris.New("no artifacts for ai assist")
	}
	parts, used, err := documentParts(c.Artifacts)
	if err != nil {
		return c, err
	}
	if len(parts) == 0 {
		c.Notef("ai_assist found no pdf or image to read")
		return c, nil
	}
	parts = append(parts, genai.Text(aiUserPrompt))

	resp, err := a.model.GenerateContent(ctx, parts...)
	if err != nil {
		return c, eris.Wrap(err, "generate content")
	}
	found, err := parseModelRows(responseText(resp))
	if err != nil {
		return c, err
	}

	// Model rows replace an empty extraction and extend a partial one. Indexes
	// continue after the highest existing one since extracted rows may be sparse.
	base := 0
	for _, row := range c.Rows {
		if row.Index >= base {
			base = row.Index + 1
		}
	}
	for i, fields := range found {
		c.Rows = append(c.Rows, models.Row{Index: base + i, Fields: fields})
	}
	c.Notef("ai_assist read %s and added %d rows", strings.Join(used, ", "), len(found))
	logging.Job(a.logger, c.JobID).Info("ai assist completed", zap.Strings("sources", used), zap.Int("rows", len(found)))
	return c, nil
}

func documentParts(art *orchestrator.Artifacts) ([]genai.Part, []string, error) {
	var (
		parts []genai.Part
		used  []string
	)
	for _, att := range art.Attachments {
		switch {
		case isPDF(att.ContentType, att.Name):
			parts = append(parts, genai.Blob{MIMEType: "application/pdf", Data: att.Data})
		case isImage(att.ContentType, att.Name):
			png, err := prepareImage(att.Data)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "prepare image %s", att.Name)
			}
			parts = append(parts, genai.ImageData("png", png))
		default:
			continue
		}
		used = append(used, att.Name)
	}
	return parts, used, nil
}

// prepareImage decodes any supported scan format, bounds its size and re-encodes as PNG.
func prepareImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "decode image")
	}
	b := img.Bounds()
	if b.Dx() > maxImageEdge || b.Dy() > maxImageEdge {
		img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	}
	img = imaging.Grayscale(img)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, eris.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// parseModelRows accepts a bare JSON array, optionally fenced, or an object wrapping one under "rows".
func parseModelRows(text string) ([]map[string]any, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, eris.New("empty model response")
	}
	var rows []map[string]any
	if strings.HasPrefix(text, "{") {
		var wrapped struct {
			Rows []map[string]any `json:"rows"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
			return nil, eris.Wrap(err, "decode model response")
		}
		rows = wrapped.Rows
	} else if err := json.Unmarshal([]byte(text), &rows); err != nil {
		return nil, eris.Wrap(err, "decode model response")
	}
	out := rows[:0]
	for _, r := range rows {
		if countNonEmptyValues(r) > 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func countNonEmptyValues(fields map[string]any) int {
	n := 0
	for _, v := range fields {
		if strings.TrimSpace(toString(v)) != "" {
			n++
		}
	}
	return n
}

func columnFields() []string {
	out := make([]string, 0, len(Columns))
	for _, col := range Columns {
		out = append(out, col.Field)
	}
	return out
}
