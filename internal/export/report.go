// Package export renders persisted vitals and alarm history as an XLSX
// shift report.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"zmon/internal/models"
)

// VitalsHeader is the header row of the Vitals sheet.
var VitalsHeader = []string{
	"Time",
	"Vital",
	"Value",
	"Quality (%)",
	"Patient ID",
	"Device ID",
}

// AlarmsHeader is the header row of the Alarms sheet.
var AlarmsHeader = []string{
	"Started",
	"Alarm",
	"Priority",
	"Status",
	"Peak Value",
	"Limit",
	"Acknowledged By",
	"Acknowledged At",
	"Resolved At",
}

var vitalsColumnWidths = []float64{22, 10, 10, 12, 18, 18}
var alarmsColumnWidths = []float64{22, 14, 10, 14, 12, 10, 18, 22, 22}

// GenerateShiftReport builds a two-sheet workbook from one patient's
// window: every vital row on the Vitals sheet, every alarm raised in the
// window on the Alarms sheet.
func GenerateShiftReport(vitals []models.VitalRecord, alarms []*models.AlarmSnapshot) ([]byte, error) {
	f := excelize.NewFile()
	// Don't defer Close() here, WriteTo needs the file open.

	index, err := f.NewSheet("Vitals")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create vitals sheet: %w", err)
	}
	if _, err := f.NewSheet("Alarms"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create alarms sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeHeaderRow(f, "Vitals", VitalsHeader, vitalsColumnWidths, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeHeaderRow(f, "Alarms", AlarmsHeader, alarmsColumnWidths, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	for i, rec := range vitals {
		row := i + 2
		cells := []any{
			formatMillis(rec.Timestamp),
			string(rec.Type),
			rec.Value,
			rec.Quality,
			rec.PatientID,
			rec.DeviceID,
		}
		if err := writeRow(f, "Vitals", row, cells); err != nil {
			f.Close()
			return nil, err
		}
	}

	for i, a := range alarms {
		row := i + 2
		cells := []any{
			a.StartedAt.Format("2006-01-02 15:04:05"),
			a.AlarmType,
			string(a.Priority),
			string(a.Status),
			a.Value,
			a.Limit,
			a.AckBy,
			formatTimePtr(a.AckAt),
			formatTimePtr(a.ResolvedAt),
		}
		if err := writeRow(f, "Alarms", row, cells); err != nil {
			f.Close()
			return nil, err
		}
	}

	for _, sheet := range []string{"Vitals", "Alarms"} {
		if err := f.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			Split:       false,
			XSplit:      0,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to freeze panes: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close workbook: %w", err)
	}

	return buf.Bytes(), nil
}

func writeHeaderRow(f *excelize.File, sheet string, headers []string, widths []float64, style int) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if col < len(widths) && widths[col] > 0 {
			if err := f.SetColWidth(sheet, name, name, widths[col]); err != nil {
				return fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, cells []any) error {
	for col, value := range cells {
		if value == nil || value == "" {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("failed to set cell %s: %w", cell, err)
		}
	}
	return nil
}

// formatMillis renders a millisecond timestamp with enough precision to
// keep sub-second vitals rows distinguishable.
func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05.000")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
