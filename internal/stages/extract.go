package stages

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
)

// Extract turns the classified source into rows with sequential indexes.
type Extract struct {
	logger *zap.Logger
}

func NewExtract(logger *zap.Logger) *Extract {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extract{logger: logger.Named("extract")}
}

func (e *Extract) Run(_ context.Context, c orchestrator.Context) (orchestrator.Context, error) {
	if c.Artifacts == nil || c.Route == nil {
		return c, eris.New("extract requires artifacts and a route")
	}
	var (
		grid [][]string
		err  error
	)
	switch c.Route.Strategy {
	case StrategySpreadsheet:
		a, ok := findAttachment(c.Artifacts, c.Route.Source)
		if !ok {
			return c, eris.Errorf("attachment %q not found", c.Route.Source)
		}
		if isCSV(a.ContentType, a.Name) {
			grid, err = readCSV(a.Data)
		} else {
			grid, err = readXLSX(a.Data)
		}
		if err != nil {
			return c, eris.Wrapf(err, "read %s", a.Name)
		}
	case StrategyHTMLTable:
		grid, err = readHTMLTable(c.Artifacts.BodyHTML)
		if err != nil {
			return c, eris.Wrap(err, "read html table")
		}
	case StrategyText:
		c.Rows = rowsFromText(c.Artifacts.BodyText)
		c.Notef("extracted %d rows from message text", len(c.Rows))
		return c, nil
	default:
		c.Rows = []models.Row{}
		c.Notef("no rule-based extractor for %s content", c.Route.Strategy)
		return c, nil
	}

	c.Rows = rowsFromGrid(grid)
	c.Notef("extracted %d rows via %s", len(c.Rows), c.Route.Strategy)
	logging.Job(e.logger, c.JobID).Debug("rows extracted", zap.String("strategy", c.Route.Strategy), zap.Int("rows", len(c.Rows)))
	return c, nil
}

func findAttachment(art *orchestrator.Artifacts, name string) (orchestrator.Attachment, bool) {
	for _, a := range art.Attachments {
		if a.Name == name {
			return a, true
		}
	}
	return orchestrator.Attachment{}, false
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	return r.ReadAll()
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, eris.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func readHTMLTable(body string) ([][]string, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	table := findElement(doc, "table")
	if table == nil {
		return nil, nil
	}
	var grid [][]string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for cell := n.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type == html.ElementNode && (cell.Data == "td" || cell.Data == "th") {
					cells = append(cells, collapseSpace(nodeText(cell)))
				}
			}
			grid = append(grid, cells)
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			// Nested tables belong to their own cell.
			if child.Type == html.ElementNode && child.Data == "table" {
				continue
			}
			walk(child)
		}
	}
	walk(table)
	return grid, nil
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		b.WriteString(nodeText(child))
		b.WriteByte(' ')
	}
	return b.String()
}

// rowsFromGrid uses the first row with at least two non-empty cells as the header.
func rowsFromGrid(grid [][]string) []models.Row {
	rows := []models.Row{}
	headerAt := -1
	for i, record := range grid {
		if countNonEmpty(record) >= 2 {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return rows
	}
	header := make([]string, len(grid[headerAt]))
	for i, h := range grid[headerAt] {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		header[i] = h
	}
	for _, record := range grid[headerAt+1:] {
		if countNonEmpty(record) == 0 {
			continue
		}
		fields := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(record) {
				fields[h] = strings.TrimSpace(record[i])
			} else {
				fields[h] = ""
			}
		}
		rows = append(rows, models.Row{Index: len(rows), Fields: fields})
	}
	return rows
}

func countNonEmpty(record []string) int {
	n := 0
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			n++
		}
	}
	return n
}

// rowsFromText reads either a tab/pipe delimited table or blank-line separated
// "Key: Value" blocks.
func rowsFromText(body string) []models.Row {
	lines := nonEmptyLines(body)
	if len(lines) >= 2 {
		if sep := delimiterOf(lines[0]); sep != "" {
			grid := make([][]string, 0, len(lines))
			for _, line := range lines {
				grid = append(grid, strings.Split(strings.Trim(line, sep+" "), sep))
			}
			return rowsFromGrid(grid)
		}
	}

	rows := []models.Row{}
	current := map[string]any{}
	flush := func() {
		if len(current) >= 2 {
			rows = append(rows, models.Row{Index: len(rows), Fields: current})
		}
		current = map[string]any{}
	}
	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || !keyValuePattern.MatchString(line) {
			continue
		}
		key = strings.TrimSpace(key)
		if _, dup := current[key]; dup {
			flush()
		}
		current[key] = strings.TrimSpace(value)
	}
	flush()
	return rows
}
