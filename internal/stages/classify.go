package stages

import (
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/orchestrator"
)

// Extraction strategies chosen by Classify.
const (
	StrategySpreadsheet = "spreadsheet"
	StrategyHTMLTable   = "html_table"
	StrategyText        = "text"
	StrategyPDF         = "pdf"
	StrategyImage       = "image"
	StrategyUnknown     = "unknown"
)

var (
	tablePattern    = regexp.MustCompile(`(?i)<table[\s>]`)
	keyValuePattern = regexp.MustCompile(`(?m)^\s*[A-Za-z][A-Za-z0-9 _/#.-]{1,40}:\s*\S`)
)

// Classify picks the extraction strategy from the artifacts.
type Classify struct {
	logger *zap.Logger
}

func NewClassify(logger *zap.Logger) *Classify {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classify{logger: logger.Named("classify")}
}

func (cl *Classify) Run(_ context.Context, c orchestrator.Context) (orchestrator.Context, error) {
	if c.Artifacts == nil {
		return c, eris.New("no artifacts to classify")
	}
	route := ClassifyArtifacts(c.Artifacts)
	c.Route = &route
	c.Notef("strategy %s (ai assist required: %t)", route.Strategy, route.RequiresAIAssist)
	logging.Job(cl.logger, c.JobID).Debug("classified",
		zap.String("strategy", route.Strategy),
		zap.String("source", route.Source),
		zap.Bool("requires_ai_assist", route.RequiresAIAssist),
	)
	return c, nil
}

// ClassifyArtifacts ranks sources: structured attachments first, then the
// message body, then documents that need AI assist.
func ClassifyArtifacts(art *orchestrator.Artifacts) orchestrator.Route {
	for _, a := range art.Attachments {
		if isSpreadsheet(a.ContentType, a.Name) {
			return orchestrator.Route{Strategy: StrategySpreadsheet, Source: a.Name}
		}
	}
	if tablePattern.MatchString(art.BodyHTML) {
		return orchestrator.Route{Strategy: StrategyHTMLTable}
	}
	if len(keyValuePattern.FindAllString(art.BodyText, -1)) >= 2 || looksDelimited(art.BodyText) {
		return orchestrator.Route{Strategy: StrategyText}
	}
	for _, a := range art.Attachments {
		if isPDF(a.ContentType, a.Name) {
			return orchestrator.Route{Strategy: StrategyPDF, Source: a.Name, RequiresAIAssist: true}
		}
	}
	for _, a := range art.Attachments {
		if isImage(a.ContentType, a.Name) {
			return orchestrator.Route{Strategy: StrategyImage, Source: a.Name, RequiresAIAssist: true}
		}
	}
	return orchestrator.Route{Strategy: StrategyUnknown}
}

func isSpreadsheet(contentType, name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".xlsx", ".xlsm":
		return true
	}
	switch contentType {
	case "text/csv", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return true
	}
	return false
}

func isCSV(contentType, name string) bool {
	return contentType == "text/csv" || strings.EqualFold(path.Ext(name), ".csv")
}

func isImage(contentType, name string) bool {
	if strings.HasPrefix(contentType, "image/") {
		return true
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".webp", ".gif":
		return true
	}
	return false
}

// looksDelimited reports a header line followed by rows sharing its tab or pipe count.
func looksDelimited(body string) bool {
	lines := nonEmptyLines(body)
	if len(lines) < 2 {
		return false
	}
	sep := delimiterOf(lines[0])
	if sep == "" {
		return false
	}
	return strings.Count(lines[1], sep) == strings.Count(lines[0], sep)
}

func delimiterOf(line string) string {
	for _, sep := range []string{"\t", "|"} {
		if strings.Count(line, sep) >= 2 {
			return sep
		}
	}
	return ""
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
