package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ExportTool writes a report's full result set to an Excel workbook in the
// session workdir and hands the model a download marker for the file. The
// gateway rewrites the marker into a client-facing URL.
type ExportTool struct {
	runner *Runner
}

// NewExportTool wraps a runner as the export_excel tool. It shares the
// runner with the query tool and does not close it.
func NewExportTool(runner *Runner) *ExportTool {
	return &ExportTool{runner: runner}
}

func (t *ExportTool) Name() string { return "export_excel" }

func (t *ExportTool) Description() string {
	return "Run a pre-configured report query and export the full result set " +
		"to an Excel file the user can download."
}

func (t *ExportTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query_name": map[string]interface{}{
				"type":        "string",
				"description": "Name of the report query to export",
			},
			"start_date": map[string]interface{}{
				"type":        "string",
				"description": "Override start of the date range (YYYY-MM-DD HH:MM:SS)",
			},
			"end_date": map[string]interface{}{
				"type":        "string",
				"description": "Override end of the date range (YYYY-MM-DD HH:MM:SS)",
			},
			"agent_id": map[string]interface{}{
				"type":        "integer",
				"description": "Filter by a specific agent ID",
			},
			"output_filename": map[string]interface{}{
				"type":        "string",
				"description": "Workbook filename; defaults to <query_name>_report.xlsx",
			},
		},
		"required": []interface{}{"query_name"},
	}
}

// Execute runs the query and writes outputs/<filename> under the session
// workdir.
func (t *ExportTool) Execute(ctx context.Context, params map[string]interface{}, ec ExecContext) (Outcome, error) {
	name, _ := params["query_name"].(string)
	if name == "" {
		return Outcome{}, fmt.Errorf("tools: query_name is required")
	}
	if ec.WorkDir == "" {
		return Outcome{}, fmt.Errorf("tools: export requires a session workdir")
	}

	rows, err := t.runner.Run(ctx, name, overridesFromParams(params))
	if err != nil {
		return Outcome{}, err
	}
	if len(rows) == 0 {
		return Outcome{
			Output: fmt.Sprintf("Query %q returned no rows; nothing to export.", name),
		}, nil
	}

	filename, _ := params["output_filename"].(string)
	if filename == "" {
		filename = name + "_report.xlsx"
	}
	filename = sanitizeFilename(filename)
	if !strings.HasSuffix(filename, ".xlsx") {
		filename += ".xlsx"
	}

	outputDir := filepath.Join(ec.WorkDir, "outputs")
	if err := os.MkdirAll(outputDir, 0700); err != nil {
		return Outcome{}, fmt.Errorf("tools: failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(outputDir, filename)

	if err := writeWorkbook(outputPath, rows); err != nil {
		return Outcome{}, err
	}

	relative := "outputs/" + filename
	output := fmt.Sprintf(
		"Report %q exported with %d rows.\n\n[DOWNLOAD:%s]",
		name, len(rows), relative,
	)
	return Outcome{Output: output}, nil
}

// writeWorkbook streams rows into a single-sheet workbook. Column order
// follows the first row's keys sorted for stability.
func writeWorkbook(path string, rows []map[string]interface{}) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Report"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("tools: failed to name sheet: %w", err)
	}

	headers := sortedKeys(rows[0])

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("tools: failed to create stream writer: %w", err)
	}

	headerCells := make([]interface{}, len(headers))
	for i, h := range headers {
		headerCells[i] = h
	}
	cell, _ := excelize.CoordinatesToCellName(1, 1)
	if err := sw.SetRow(cell, headerCells); err != nil {
		return fmt.Errorf("tools: failed to write header row: %w", err)
	}

	for i, row := range rows {
		cells := make([]interface{}, len(headers))
		for j, h := range headers {
			cells[j] = row[h]
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, cells); err != nil {
			return fmt.Errorf("tools: failed to write row %d: %w", i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("tools: failed to flush workbook: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("tools: failed to save workbook: %w", err)
	}
	return nil
}

func sortedKeys(row map[string]interface{}) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeFilename strips path components so the export cannot escape the
// session outputs directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	if name == "" || name == "." {
		name = "report.xlsx"
	}
	return name
}
