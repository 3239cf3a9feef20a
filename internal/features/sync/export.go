package sync

import (
	"github.com/xuri/excelize/v2"
)

var historyColumns = []string{
	"Timestamp", "Appointment", "Operation", "Outcome", "Error Class", "Retry", "Message",
}

// writeHistoryWorkbook renders sync log entries as an XLSX sheet for the
// admin export endpoint.
func writeHistoryWorkbook(entries []SyncLogEntry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Sync History"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})

	for i, col := range historyColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, col)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for rowIdx, entry := range entries {
		values := []interface{}{
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			entry.AppointmentID,
			string(entry.Operation),
			string(entry.Outcome),
			string(entry.ErrorClass),
			entry.RetryCount,
			entry.Message,
		}
		for colIdx, val := range values {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			f.SetCellValue(sheetName, cell, val)
		}
	}

	for i := range historyColumns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		width := 18.0
		if col == "G" {
			width = 60
		}
		f.SetColWidth(sheetName, col, col, width)
	}

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
