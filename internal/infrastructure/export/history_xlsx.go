// Package export renders the approval history for download.
package export

import (
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/domain/entity"
)

const historySheet = "History"

var historyHeader = []interface{}{
	"Sequence", "Time (UTC)", "Cycle", "Action", "Actor", "Channel",
	"From", "To", "Comments", "Reason", "Forwarded To", "Change Summary",
}

// HistoryExporter writes a quote's ledger as an xlsx workbook
type HistoryExporter struct {
	logger *zap.Logger
}

// NewHistoryExporter creates a new exporter
func NewHistoryExporter(logger *zap.Logger) *HistoryExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryExporter{logger: logger}
}

// WriteXLSX consumes ops and writes one row per operation to w
func (e *HistoryExporter) WriteXLSX(w io.Writer, quoteID string, ops iter.Seq2[*entity.ApprovalOperation, error]) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := f.SetSheetRow(historySheet, "A1", &historyHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(historyHeader))
	if err := f.SetCellStyle(historySheet, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	row := 2
	for op, err := range ops {
		if err != nil {
			return err
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := historyRow(op)
		if err := f.SetSheetRow(historySheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}
		row++
	}

	if err := f.SetColWidth(historySheet, "B", "B", 22); err != nil {
		return fmt.Errorf("failed to size columns: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Info("History exported",
		zap.String("quote_id", quoteID),
		zap.Int("operations", row-2))
	return nil
}

func historyRow(op *entity.ApprovalOperation) []interface{} {
	actor := "system"
	if op.ActorID != nil {
		actor = *op.ActorID
	}
	return []interface{}{
		op.Sequence,
		op.CreatedAt.UTC().Format(time.RFC3339),
		op.CycleCount,
		string(op.Action),
		actor,
		string(op.Channel),
		string(op.PreviousStatus),
		string(op.ResultingStatus),
		op.Comments,
		op.Metadata.Reason,
		op.Metadata.ForwardedToID,
		op.Metadata.ChangeSummary,
	}
}
