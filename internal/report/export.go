package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/history"
	"github.com/ciadpi-tray/autosearch/internal/security"
)

// CSVHeader is the column order written by WriteCSV.
var CSVHeader = []string{"timestamp", "params", "success", "speed_seconds", "notes"}

// WriteCSV writes records, one row each, in the order given.
func WriteCSV(w io.Writer, records []history.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Timestamp.Format(time.RFC3339),
			r.Candidate.Key(),
			strconv.FormatBool(r.Success),
			strconv.FormatFloat(r.Latency.Seconds(), 'f', 3, 64),
			r.Notes,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes records to path. The path must end in .csv and sit inside
// one of security.ExportRoots.
func ExportCSV(path string, records []history.Record) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return fmt.Errorf("failed to encode csv: %w", err)
	}
	return writeExport(path, buf.Bytes(), ".csv")
}

// ExportChart renders the latency chart to an .html path, under the same
// directory rules as ExportCSV.
func ExportChart(path string, records []history.Record) error {
	var buf bytes.Buffer
	if err := RenderChart(&buf, records); err != nil {
		return err
	}
	return writeExport(path, buf.Bytes(), ".html", ".htm")
}

// DefaultExportName builds a file name for a session export.
func DefaultExportName(sessionID, ext string) string {
	if sessionID == "" {
		sessionID = "history"
	}
	return "autosearch-" + security.SanitizeFilename(sessionID) + ext
}

func writeExport(path string, data []byte, exts ...string) error {
	if err := security.ValidateExportPath(path, exts...); err != nil {
		return fmt.Errorf("invalid export path: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
