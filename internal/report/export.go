package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"driftsync/internal/database"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// Exporter writes an operational snapshot of the sync engine to an xlsx
// workbook: per-user queue depth, unresolved conflicts, device fleet state
// and version ledger counts.
type Exporter struct {
	db     *database.DB
	path   string
	logger *zerolog.Logger
}

func NewExporter(db *database.DB, path string, logger *zerolog.Logger) *Exporter {
	return &Exporter{db: db, path: path, logger: logger}
}

// Export builds the workbook and returns the saved file path.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := e.writeQueueSheet(ctx, f); err != nil {
		return "", err
	}
	if err := e.writeConflictSheet(ctx, f); err != nil {
		return "", err
	}
	if err := e.writeDeviceSheet(ctx, f); err != nil {
		return "", err
	}
	if err := e.writeVersionSheet(ctx, f); err != nil {
		return "", err
	}

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("sync_report_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(e.path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Msg("sync report created")
	return filePath, nil
}

func (e *Exporter) writeQueueSheet(ctx context.Context, f *excelize.File) error {
	const sheet = "Queue"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	writeHeaders(f, sheet, []string{"User", "Pending", "Processing", "Completed", "Failed", "Total"})

	users, err := e.db.UsersWithPendingWork(ctx)
	if err != nil {
		return fmt.Errorf("error listing queue users: %v", err)
	}

	row := 2
	for _, userID := range users {
		stats, err := e.db.QueueStats(ctx, userID)
		if err != nil {
			e.logger.Error().Err(err).Str("user_id", userID).Msg("error getting queue stats")
			continue
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), userID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), stats.Pending)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), stats.Processing)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), stats.Completed)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), stats.Failed)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), stats.Total())
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 25)
	_ = f.SetColWidth(sheet, "B", "F", 12)
	return nil
}

func (e *Exporter) writeConflictSheet(ctx context.Context, f *excelize.File) error {
	const sheet = "Conflicts"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("error creating sheet: %v", err)
	}

	writeHeaders(f, sheet, []string{"User", "Unresolved"})

	counts, err := e.db.CountUnresolvedConflicts(ctx)
	if err != nil {
		return fmt.Errorf("error counting conflicts: %v", err)
	}

	row := 2
	for userID, count := range counts {
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), userID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), count)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 25)
	_ = f.SetColWidth(sheet, "B", "B", 12)
	return nil
}

func (e *Exporter) writeDeviceSheet(ctx context.Context, f *excelize.File) error {
	const sheet = "Devices"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("error creating sheet: %v", err)
	}

	writeHeaders(f, sheet, []string{
		"User", "Device", "Online", "Platform", "App Version",
		"Connection", "Last Seen", "Last Successful Sync", "Pending Items",
	})

	devices, err := e.db.AllDevices(ctx)
	if err != nil {
		return fmt.Errorf("error listing devices: %v", err)
	}

	for i, d := range devices {
		row := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), d.UserID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), d.DeviceID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), boolToYesNo(d.IsOnline))
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), d.Platform)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), d.AppVersion)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), d.ConnectionType)
		_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", row), d.LastSeen.Format("02.01.2006 15:04"))
		_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", row), formatTimePtr(d.LastSuccessfulSync))
		_ = f.SetCellValue(sheet, fmt.Sprintf("I%d", row), d.PendingSyncItems)
	}

	_ = f.SetColWidth(sheet, "A", "B", 25)
	_ = f.SetColWidth(sheet, "C", "F", 14)
	_ = f.SetColWidth(sheet, "G", "H", 20)
	_ = f.SetColWidth(sheet, "I", "I", 14)
	return nil
}

func (e *Exporter) writeVersionSheet(ctx context.Context, f *excelize.File) error {
	const sheet = "Versions"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("error creating sheet: %v", err)
	}

	writeHeaders(f, sheet, []string{"Entity Type", "Versions"})

	counts, err := e.db.VersionCountsByType(ctx)
	if err != nil {
		return fmt.Errorf("error counting versions: %v", err)
	}

	row := 2
	for entityType, count := range counts {
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), entityType)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), count)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 25)
	_ = f.SetColWidth(sheet, "B", "B", 12)
	return nil
}

func writeHeaders(f *excelize.File, sheet string, headers []string) {
	style, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("02.01.2006 15:04")
}

func boolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
