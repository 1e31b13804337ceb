package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/ledgerline/remitscan/internal/model"
	"github.com/ledgerline/remitscan/internal/store"
)

// ErrEmptyBatch signals that no items were given to export. Callers
// treat it as a no-op rather than a failure.
var ErrEmptyBatch = eris.New("export: empty batch")

// header row, in sheet column order.
var columns = []string{"序号", "交易时间", "付款户名", "收款户名", "收款金额"}

// Writer renders recognition batches into xlsx workbooks. File names
// are day scoped with a store-allocated sequence so concurrent exports
// never collide.
type Writer struct {
	store store.Store
	dir   string
}

func NewWriter(s store.Store, dir string) *Writer {
	return &Writer{store: s, dir: dir}
}

// Write exports the batch to a new workbook and returns its path.
// Rows come out in ascending item id order. Items without a stored
// recognition get empty field cells.
func (w *Writer) Write(ctx context.Context, batch model.Batch, now time.Time) (string, error) {
	if batch.Empty() {
		return "", ErrEmptyBatch
	}

	rows, err := w.store.FetchBatch(ctx, batch.IDs)
	if err != nil {
		return "", eris.Wrap(err, "export: fetch batch")
	}
	if len(rows) == 0 {
		return "", ErrEmptyBatch
	}

	path, err := w.nextPath(ctx, now)
	if err != nil {
		return "", err
	}

	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Sheet1")
	if err != nil {
		return "", eris.Wrap(err, "export: add sheet")
	}

	head := sheet.AddRow()
	for _, col := range columns {
		head.AddCell().SetString(col)
	}

	for i, row := range rows {
		r := sheet.AddRow()
		r.AddCell().SetInt(i + 1)
		r.AddCell().SetString(row.Fields.TransactionTime)
		r.AddCell().SetString(row.Fields.PayerName)
		r.AddCell().SetString(row.Fields.PayeeName)
		r.AddCell().SetString(row.Fields.Amount)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", eris.Wrap(err, "export: create dir")
	}
	if err := file.Save(path); err != nil {
		return "", eris.Wrapf(err, "export: save %s", path)
	}

	zap.L().Info("batch exported",
		zap.String("path", path),
		zap.Int("rows", len(rows)))
	return path, nil
}

// nextPath allocates the day-scoped export sequence and builds the
// workbook path, e.g. exports/202401010001.xlsx.
func (w *Writer) nextPath(ctx context.Context, now time.Time) (string, error) {
	day := now.Format("20060102")
	seq, err := w.store.NextSeq(ctx, day, store.CounterExport)
	if err != nil {
		return "", eris.Wrap(err, "export: allocate sequence")
	}
	name := fmt.Sprintf("%s%04d.xlsx", day, seq)
	return filepath.Join(w.dir, name), nil
}
