package tool

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"novabot/internal/domain"
	"novabot/internal/upload"
)

const excelPreviewRows = 5

// excelInflateRatio bounds how far an upload may expand when unzipped.
// Real workbooks stay well under it; zip bombs do not.
const excelInflateRatio = 20

// UploadSource is the part of the upload store the Excel tool needs.
type UploadSource interface {
	Get(id, ownerID string) (*upload.Entry, bool)
	Remove(id string)
	MaxSize() int
}

// SalesExcelTool reads a spreadsheet previously uploaded by the caller and
// summarizes its sheets.
type SalesExcelTool struct {
	uploads UploadSource
}

func NewSalesExcelTool(uploads UploadSource) *SalesExcelTool {
	return &SalesExcelTool{uploads: uploads}
}

func (t *SalesExcelTool) Name() string                  { return "process_sales_excel" }
func (t *SalesExcelTool) Capability() domain.Capability { return domain.CapSales }
func (t *SalesExcelTool) Description() string {
	return "Read an uploaded sales spreadsheet (file_id from an upload) and return each sheet's " +
		"header, row count, a short preview and the quantity total when a quantity column exists."
}
func (t *SalesExcelTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"file_id": {Type: "string", Description: "Id returned by the upload endpoint"},
	}, []string{"file_id"})
}

type SheetSummary struct {
	Name          string     `json:"name"`
	Header        []string   `json:"header"`
	Rows          int        `json:"rows"`
	Preview       [][]string `json:"preview"`
	QuantityTotal *float64   `json:"quantity_total,omitempty"`
}

type WorkbookSummary struct {
	FileName string         `json:"file_name"`
	Sheets   []SheetSummary `json:"sheets"`
}

func (t *SalesExcelTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	id := ArgsString(inv.Args, "file_id")
	if id == "" {
		return domain.Failed("file_id is required"), nil
	}
	entry, ok := t.uploads.Get(id, inv.UserID)
	if !ok {
		return domain.Failed("file not found or expired; upload it again"), nil
	}
	mt := strings.ToLower(entry.MimeType)
	if !strings.Contains(mt, "spreadsheet") && !strings.Contains(mt, "excel") {
		return domain.Failed(fmt.Sprintf("file %s is not a spreadsheet (%s)", entry.Name, entry.MimeType)), nil
	}

	summary, err := summarizeWorkbook(ctx, entry.Data, excelOptions(t.uploads.MaxSize()))
	if err != nil {
		return domain.Failed(fmt.Sprintf("read spreadsheet: %v", err)), nil
	}
	summary.FileName = entry.Name
	t.uploads.Remove(id)
	return domain.OK(summary), nil
}

// excelOptions caps decompression relative to the largest accepted upload.
func excelOptions(maxUpload int) excelize.Options {
	unzip := int64(maxUpload) * excelInflateRatio
	return excelize.Options{
		UnzipSizeLimit:    unzip,
		UnzipXMLSizeLimit: unzip / 4,
	}
}

func summarizeWorkbook(ctx context.Context, data []byte, opts excelize.Options) (*WorkbookSummary, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data), opts)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := &WorkbookSummary{}
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		out.Sheets = append(out.Sheets, summarizeSheet(sheet, rows))
	}
	return out, nil
}

func summarizeSheet(name string, rows [][]string) SheetSummary {
	s := SheetSummary{Name: name, Header: []string{}, Preview: [][]string{}}
	if len(rows) == 0 {
		return s
	}
	s.Header = rows[0]
	body := rows[1:]
	s.Rows = len(body)
	if len(body) > excelPreviewRows {
		s.Preview = body[:excelPreviewRows]
	} else {
		s.Preview = body
	}

	col := quantityColumn(s.Header)
	if col < 0 {
		return s
	}
	var total float64
	for _, r := range body {
		if col >= len(r) {
			continue
		}
		if v, ok := numeric(strings.ReplaceAll(strings.TrimSpace(r[col]), ",", "")); ok {
			total += v
		}
	}
	s.QuantityTotal = &total
	return s
}

func quantityColumn(header []string) int {
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "quantity", "cantidad", "qty", "kg", "volumen":
			return i
		}
	}
	return -1
}
