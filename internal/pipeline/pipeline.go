// Package pipeline orchestrates the receipt flow: pull unseen mail,
// persist image attachments, run recognition, and export the batch.
// Each stage can also run on its own for operational reruns.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/remitscan/internal/allocator"
	"github.com/ledgerline/remitscan/internal/enrich"
	"github.com/ledgerline/remitscan/internal/export"
	"github.com/ledgerline/remitscan/internal/extract"
	"github.com/ledgerline/remitscan/internal/mailbox"
	"github.com/ledgerline/remitscan/internal/model"
	"github.com/ledgerline/remitscan/internal/resilience"
	"github.com/ledgerline/remitscan/internal/store"
)

// Recognizer is the slice of the enricher the pipeline needs.
type Recognizer interface {
	Recognize(ctx context.Context, filename string, data []byte) (model.Fields, error)
}

type Pipeline struct {
	mail        mailbox.Client
	store       store.Store
	alloc       *allocator.Allocator
	recognizer  Recognizer
	exporter    *export.Writer
	downloadDir string
	concurrency int
	now         func() time.Time
}

type Option func(*Pipeline)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func New(mail mailbox.Client, s store.Store, alloc *allocator.Allocator, rec Recognizer, exp *export.Writer, downloadDir string, opts ...Option) *Pipeline {
	p := &Pipeline{
		mail:        mail,
		store:       s,
		alloc:       alloc,
		recognizer:  rec,
		exporter:    exp,
		downloadDir: downloadDir,
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Download pulls unseen messages, saves their image attachments and
// records one item per attachment. A message is acknowledged only
// after every attachment it carries has been recorded, so a crash
// mid-message leaves it eligible for the next cycle. Failures on one
// message never stop the rest.
func (p *Pipeline) Download(ctx context.Context, report *model.CycleReport) (model.Batch, error) {
	ids, err := p.mail.SearchUnseen(ctx)
	if err != nil {
		return model.Batch{}, eris.Wrap(err, "pipeline: search unseen")
	}
	report.Download.MessagesSeen = len(ids)
	zap.L().Info("unseen messages found", zap.Int("count", len(ids)))

	if err := os.MkdirAll(p.downloadDir, 0o755); err != nil {
		return model.Batch{}, eris.Wrap(err, "pipeline: create download dir")
	}

	// Messages are independent; fetch/record/mark-seen stays ordered
	// within each one.
	var (
		mu    sync.Mutex
		batch model.Batch
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, msgID := range ids {
		msgID := msgID
		g.Go(func() error {
			itemIDs, err := p.downloadMessage(gctx, msgID, report, &mu)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// A duplicate id means the allocator's uniqueness
				// guarantee broke; stop instead of papering over
				// corrupt state.
				if eris.Is(err, store.ErrDuplicateIdentifier) {
					return eris.Wrapf(err, "pipeline: message %s", msgID)
				}
				report.Download.MessagesFailed++
				report.Failures = append(report.Failures, model.ItemFailure{
					ItemID: msgID,
					Stage:  model.StageDownloading,
					Cause:  "transport",
					Error:  err.Error(),
				})
				zap.L().Warn("message skipped",
					zap.String("message_id", msgID),
					zap.Error(err))
				return nil
			}
			report.Download.ItemsDownloaded += len(itemIDs)
			batch.IDs = append(batch.IDs, itemIDs...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Batch{}, err
	}
	sort.Strings(batch.IDs)
	return batch, nil
}

// downloadMessage records every image attachment of one message, then
// flags it seen.
func (p *Pipeline) downloadMessage(ctx context.Context, msgID string, report *model.CycleReport, mu *sync.Mutex) ([]string, error) {
	raw, err := p.mail.FetchRaw(ctx, msgID)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch %s", msgID)
	}

	it := extract.Attachments(bytes.NewReader(raw))

	var itemIDs []string
	for it.Next() {
		att := it.Item()
		id, err := p.recordAttachment(ctx, msgID, att, report, mu)
		if err != nil {
			return nil, err
		}
		itemIDs = append(itemIDs, id)
	}
	if err := it.Err(); err != nil {
		return nil, eris.Wrapf(err, "attachments %s", msgID)
	}

	if err := p.mail.MarkSeen(ctx, msgID); err != nil {
		// Items are recorded; the next cycle re-reads the message and
		// stores its attachments again under fresh ids.
		zap.L().Warn("mark seen failed",
			zap.String("message_id", msgID),
			zap.Error(err))
	}
	return itemIDs, nil
}

func (p *Pipeline) recordAttachment(ctx context.Context, msgID string, att extract.Attachment, report *model.CycleReport, mu *sync.Mutex) (string, error) {
	now := p.now()
	alloc := p.alloc.Allocate(ctx, now)
	if alloc.Degraded {
		mu.Lock()
		report.Download.DegradedIDs++
		mu.Unlock()
	}

	name := fmt.Sprintf("%s_%s", alloc.ID, att.Filename)
	path := filepath.Join(p.downloadDir, name)
	if err := os.WriteFile(path, att.Data, 0o644); err != nil {
		return "", eris.Wrapf(err, "write %s", path)
	}

	item := model.Item{
		ID:              alloc.ID,
		SourceMessageID: msgID,
		FileName:        att.Filename,
		FilePath:        path,
		Status:          model.ItemStatusDownloaded,
		DownloadedAt:    now,
	}
	if err := p.store.CreateItem(ctx, item); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	zap.L().Info("attachment recorded",
		zap.String("item_id", alloc.ID),
		zap.String("file", att.Filename),
		zap.Bool("degraded_id", alloc.Degraded))
	return alloc.ID, nil
}

// Enrich runs recognition over the batch with bounded concurrency.
// Already-recognized items are skipped, parse failures mark the item
// failed, and transport failures leave it downloaded so a later cycle
// can retry. One item's failure never aborts the batch.
func (p *Pipeline) Enrich(ctx context.Context, batch model.Batch, report *model.CycleReport) error {
	if batch.Empty() {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	results := make(chan enrichResult, len(batch.IDs))
	for _, id := range batch.IDs {
		id := id
		g.Go(func() error {
			results <- p.enrichOne(ctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "pipeline: enrich")
	}
	close(results)

	for res := range results {
		report.Enrich.Attempted++
		switch res.outcome {
		case outcomeRecognized:
			report.Enrich.Recognized++
		case outcomeSkipped:
			report.Enrich.Skipped++
		case outcomeParseFailed:
			report.Enrich.ParseFailed++
			report.Failures = append(report.Failures, res.failure)
		case outcomeTransportFailed:
			report.Enrich.TransportFailed++
			report.Failures = append(report.Failures, res.failure)
		}
	}
	return nil
}

type enrichOutcome int

const (
	outcomeRecognized enrichOutcome = iota
	outcomeSkipped
	outcomeParseFailed
	outcomeTransportFailed
)

type enrichResult struct {
	outcome enrichOutcome
	failure model.ItemFailure
}

func (p *Pipeline) enrichOne(ctx context.Context, id string) enrichResult {
	item, err := p.store.GetItem(ctx, id)
	if err != nil {
		return enrichResult{outcome: outcomeTransportFailed, failure: model.ItemFailure{
			ItemID: id, Stage: model.StageEnriching, Cause: "storage", Error: err.Error(),
		}}
	}
	if item.Status == model.ItemStatusRecognized {
		return enrichResult{outcome: outcomeSkipped}
	}

	data, err := os.ReadFile(item.FilePath)
	if err != nil {
		_ = p.store.MarkFailed(ctx, id)
		return enrichResult{outcome: outcomeParseFailed, failure: model.ItemFailure{
			ItemID: id, Stage: model.StageEnriching, Cause: "filesystem", Error: err.Error(),
		}}
	}

	fields, err := p.recognizer.Recognize(ctx, item.FileName, data)
	if err != nil {
		var perr *enrich.ParseError
		if eris.As(err, &perr) {
			_ = p.store.MarkFailed(ctx, id)
			return enrichResult{outcome: outcomeParseFailed, failure: model.ItemFailure{
				ItemID: id, Stage: model.StageEnriching, Cause: "parse", Error: err.Error(),
			}}
		}
		if resilience.IsTransient(err) {
			// Item stays downloaded; the next cycle retries it.
			return enrichResult{outcome: outcomeTransportFailed, failure: model.ItemFailure{
				ItemID: id, Stage: model.StageEnriching, Cause: "transport", Error: err.Error(),
			}}
		}
		_ = p.store.MarkFailed(ctx, id)
		return enrichResult{outcome: outcomeParseFailed, failure: model.ItemFailure{
			ItemID: id, Stage: model.StageEnriching, Cause: "parse", Error: err.Error(),
		}}
	}

	if err := p.store.MarkRecognized(ctx, id, fields); err != nil {
		if eris.Is(err, store.ErrAlreadyRecognized) {
			return enrichResult{outcome: outcomeSkipped}
		}
		return enrichResult{outcome: outcomeTransportFailed, failure: model.ItemFailure{
			ItemID: id, Stage: model.StageEnriching, Cause: "storage", Error: err.Error(),
		}}
	}
	zap.L().Info("item recognized", zap.String("item_id", id))
	return enrichResult{outcome: outcomeRecognized}
}

// Export writes the batch to a workbook and returns its path. An empty
// batch is a no-op reported as an empty path.
func (p *Pipeline) Export(ctx context.Context, batch model.Batch) (string, error) {
	path, err := p.exporter.Write(ctx, batch, p.now())
	if err != nil {
		if eris.Is(err, export.ErrEmptyBatch) {
			zap.L().Info("nothing to export")
			return "", nil
		}
		return "", eris.Wrap(err, "pipeline: export")
	}
	return path, nil
}

// Run executes one full cycle and returns its report. Stage errors
// that abort the cycle are returned alongside the partial report.
func (p *Pipeline) Run(ctx context.Context) (*model.CycleReport, error) {
	return p.RunWithID(ctx, uuid.NewString())
}

// RunWithID runs a cycle under a caller-supplied cycle id, so callers
// that respond before the cycle finishes can hand out the id up front.
func (p *Pipeline) RunWithID(ctx context.Context, cycleID string) (*model.CycleReport, error) {
	started := p.now()
	report := &model.CycleReport{
		CycleID:   cycleID,
		StartedAt: started,
	}
	zap.L().Info("cycle started", zap.String("cycle_id", report.CycleID))

	batch, err := p.Download(ctx, report)
	if err != nil {
		report.Duration = p.now().Sub(started)
		return report, err
	}
	report.Batch = batch

	if err := p.Enrich(ctx, batch, report); err != nil {
		report.Duration = p.now().Sub(started)
		return report, err
	}

	path, err := p.Export(ctx, batch)
	if err != nil {
		report.Duration = p.now().Sub(started)
		return report, err
	}
	report.ExportPath = path
	report.Duration = p.now().Sub(started)

	zap.L().Info("cycle finished",
		zap.String("cycle_id", report.CycleID),
		zap.Int("items", len(batch.IDs)),
		zap.Int("recognized", report.Enrich.Recognized),
		zap.Int("failures", len(report.Failures)),
		zap.String("export", path),
		zap.Duration("took", report.Duration))
	return report, nil
}
