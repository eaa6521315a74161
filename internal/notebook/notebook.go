package notebook

import (
	"encoding/json"
	"fmt"
	"strings"
)

type CellType string

const (
	CellCode     CellType = "code"
	CellMarkdown CellType = "markdown"
	CellRaw      CellType = "raw"
)

// OutputRecord is one output emitted by a code cell.
// Kind matches the notebook output_type discriminator:
// stream, execute_result, display_data or error.
type OutputRecord struct {
	Kind    string `json:"kind"`
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

type Cell struct {
	Index          int            `json:"index"`
	Type           CellType       `json:"type"`
	Source         string         `json:"source"`
	Outputs        []OutputRecord `json:"outputs,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
}

// Executed reports whether the cell ran in the kernel. A missing
// execution_count means the cell was never executed.
func (c *Cell) Executed() bool {
	return c.ExecutionCount != nil
}

// HasOutput reports whether the cell produced any non-empty output.
func (c *Cell) HasOutput() bool {
	for _, o := range c.Outputs {
		if strings.TrimSpace(o.Text) != "" {
			return true
		}
	}
	return false
}

// Document is a parsed notebook. Read-only after Parse.
type Document struct {
	Cells []Cell `json:"cells"`
}

// CodeCells returns the code cells in document order.
func (d *Document) CodeCells() []Cell {
	var cells []Cell
	for _, c := range d.Cells {
		if c.Type == CellCode {
			cells = append(cells, c)
		}
	}
	return cells
}

// CodeText concatenates all code cell sources, separated by newlines.
func (d *Document) CodeText() string {
	var b strings.Builder
	for _, c := range d.Cells {
		if c.Type == CellCode {
			b.WriteString(c.Source)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// MarkdownText concatenates all markdown cell sources. This is the
// narrative the feedback backend reviews.
func (d *Document) MarkdownText() string {
	var b strings.Builder
	for _, c := range d.Cells {
		if c.Type == CellMarkdown {
			b.WriteString(c.Source)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ParseError indicates the notebook bytes are not a well-formed
// notebook document. It is fatal: no grade can be produced from it.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notebook parse: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("notebook parse: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Raw wire format. Source fields can be either a string or an array of
// lines, and outputs carry their text in different places depending on
// the output type, so everything variable is deferred to json.RawMessage.
type rawNotebook struct {
	Cells []rawCell `json:"cells"`
}

type rawCell struct {
	CellType       string          `json:"cell_type"`
	Source         json.RawMessage `json:"source"`
	Outputs        []rawOutput     `json:"outputs"`
	ExecutionCount *int            `json:"execution_count"`
}

type rawOutput struct {
	OutputType string          `json:"output_type"`
	Text       json.RawMessage `json:"text"`
	Data       json.RawMessage `json:"data"`
	EName      string          `json:"ename"`
	EValue     string          `json:"evalue"`
	Traceback  []string        `json:"traceback"`
}

// Parse decodes notebook bytes into a Document. Pure: no side effects,
// safe to call concurrently. Returns *ParseError on malformed input.
func Parse(data []byte) (*Document, error) {
	var raw rawNotebook
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Reason: "invalid notebook JSON", Err: err}
	}
	if raw.Cells == nil {
		return nil, &ParseError{Reason: "notebook has no cells array"}
	}

	doc := &Document{Cells: make([]Cell, 0, len(raw.Cells))}
	for i, rc := range raw.Cells {
		ct, err := cellType(rc.CellType)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("cell %d", i), Err: err}
		}
		src, err := decodeSource(rc.Source)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("cell %d source", i), Err: err}
		}
		cell := Cell{
			Index:          i,
			Type:           ct,
			Source:         src,
			ExecutionCount: rc.ExecutionCount,
		}
		for _, ro := range rc.Outputs {
			cell.Outputs = append(cell.Outputs, decodeOutput(ro))
		}
		doc.Cells = append(doc.Cells, cell)
	}
	return doc, nil
}

func cellType(s string) (CellType, error) {
	switch s {
	case "code":
		return CellCode, nil
	case "markdown":
		return CellMarkdown, nil
	case "raw":
		return CellRaw, nil
	case "":
		return "", fmt.Errorf("missing cell_type")
	default:
		return "", fmt.Errorf("unknown cell_type %q", s)
	}
}

// decodeSource accepts both representations notebooks use for text:
// a plain string or an array of lines.
func decodeSource(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, ""), nil
	}
	return "", fmt.Errorf("source is neither string nor line array")
}

func decodeOutput(ro rawOutput) OutputRecord {
	rec := OutputRecord{Kind: ro.OutputType}
	switch ro.OutputType {
	case "error":
		rec.IsError = true
		parts := []string{ro.EName, ro.EValue}
		parts = append(parts, ro.Traceback...)
		rec.Text = strings.TrimSpace(strings.Join(parts, "\n"))
	case "stream":
		rec.Text, _ = decodeSource(ro.Text)
	case "execute_result", "display_data":
		rec.Text = decodeDataText(ro.Data)
	default:
		// Unknown kinds are kept with whatever text they carry rather
		// than rejected; the notebook format grows variants over time.
		if text, err := decodeSource(ro.Text); err == nil && text != "" {
			rec.Text = text
		} else {
			rec.Text = decodeDataText(ro.Data)
		}
	}
	return rec
}

// decodeDataText pulls the text/plain representation out of a rich
// output data bundle. Other mime types are ignored.
func decodeDataText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	text, err := decodeSource(data["text/plain"])
	if err != nil {
		return ""
	}
	return text
}
