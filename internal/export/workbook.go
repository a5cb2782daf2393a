package export

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wisefido-snapshot/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	SnapshotSheet = "Snapshots"
	AlertSheet    = "Alerts"
)

// SnapshotHeader 快照表表头
var SnapshotHeader = []string{
	"Sensor ID",
	"Name",
	"Version",
	"Firmware",
	"Owner",
	"Cloud",
	"Connected",
	"Sync Status",
	"Latest Record",
	"Source",
	"Indicators",
}

// AlertHeader 报警表表头
var AlertHeader = []string{
	"Sensor ID",
	"Name",
	"Alert Type",
	"Active",
	"Firing",
	"Muted Till",
	"Lower",
	"Upper",
	"Description",
}

// Workbook 把快照与报警配置写成 xlsx
func Workbook(views []models.SnapshotView) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	snapRows := make([][]any, 0, len(views))
	var alertRows [][]any
	for _, v := range views {
		snapRows = append(snapRows, snapshotRow(v))
		for _, a := range v.Alerts {
			alertRows = append(alertRows, alertRow(v, a))
		}
	}

	index, err := f.NewSheet(SnapshotSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	// 删除默认的 Sheet1
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	if err := writeSheet(f, SnapshotSheet, SnapshotHeader, snapRows, headerStyle); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(AlertSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := writeSheet(f, AlertSheet, AlertHeader, alertRows, headerStyle); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]any, headerStyle int) error {
	for col, h := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		colName, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(sheet, colName, colName, 18); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	return nil
}

func snapshotRow(v models.SnapshotView) []any {
	latest := ""
	if v.Display.LatestRecordAt != nil {
		latest = v.Display.LatestRecordAt.UTC().Format(time.RFC3339)
	}
	indicators := make([]string, 0, len(v.Display.Indicators))
	for _, ind := range v.Display.Indicators {
		indicators = append(indicators, strings.TrimSpace(ind.Value+" "+ind.Unit))
	}
	return []any{
		v.Identity.ID,
		v.Display.Name,
		v.Display.Version,
		v.Display.Firmware,
		v.Ownership.OwnerName,
		yesNo(v.Metadata.IsCloud),
		yesNo(v.Connection.IsConnected),
		string(v.Connection.SyncStatus),
		latest,
		string(v.Display.Source),
		strings.Join(indicators, ", "),
	}
}

func alertRow(v models.SnapshotView, a models.AlertConfig) []any {
	muted := ""
	if a.MutedTill != nil {
		muted = a.MutedTill.UTC().Format(time.RFC3339)
	}
	return []any{
		v.Identity.ID,
		v.Display.Name,
		string(a.Type),
		yesNo(a.IsActive),
		yesNo(a.IsFiring),
		muted,
		formatBound(a.Lower),
		formatBound(a.Upper),
		a.Description,
	}
}

func formatBound(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
