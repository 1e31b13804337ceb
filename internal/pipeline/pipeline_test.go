package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/remitscan/internal/allocator"
	"github.com/ledgerline/remitscan/internal/enrich"
	"github.com/ledgerline/remitscan/internal/export"
	"github.com/ledgerline/remitscan/internal/model"
	"github.com/ledgerline/remitscan/internal/resilience"
	"github.com/ledgerline/remitscan/internal/store"
)

// buildMessage assembles a multipart mail message with one jpeg
// attachment per filename.
func buildMessage(filenames ...string) []byte {
	var b strings.Builder
	b.WriteString("From: sender@example.com\r\n")
	b.WriteString("To: inbox@example.com\r\n")
	b.WriteString("Subject: transfer receipts\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n")
	b.WriteString("\r\n")
	for _, name := range filenames {
		b.WriteString("--BOUNDARY\r\n")
		b.WriteString("Content-Type: image/jpeg\r\n")
		b.WriteString("Content-Disposition: attachment; filename=\"" + name + "\"\r\n")
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		b.WriteString("\r\n")
		b.WriteString("ZmFrZS1qcGVnLWJ5dGVz\r\n") // "fake-jpeg-bytes"
	}
	b.WriteString("--BOUNDARY--\r\n")
	return []byte(b.String())
}

type fakeMail struct {
	mu       sync.Mutex
	messages map[string][]byte
	seen     map[string]bool
	fetchErr map[string]error
	seenErr  map[string]error
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		messages: map[string][]byte{},
		seen:     map[string]bool{},
		fetchErr: map[string]error{},
		seenErr:  map[string]error{},
	}
}

func (f *fakeMail) SearchUnseen(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.messages {
		if !f.seen[id] {
			ids = append(ids, id)
		}
	}
	// map iteration order is random; tests that care use one message
	return ids, nil
}

func (f *fakeMail) FetchRaw(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	return f.messages[id], nil
}

func (f *fakeMail) MarkSeen(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.seenErr[id]; err != nil {
		return err
	}
	f.seen[id] = true
	return nil
}

func (f *fakeMail) Close() error { return nil }

type fakeRecognizer struct {
	mu     sync.Mutex
	calls  int
	fields model.Fields
	errFor map[string]error
}

func (f *fakeRecognizer) Recognize(ctx context.Context, filename string, data []byte) (model.Fields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errFor[filename]; err != nil {
		return model.Fields{}, err
	}
	return f.fields, nil
}

func testFields() model.Fields {
	return model.Fields{
		TransactionTime: "2024-01-01 10:00",
		PayerName:       "Alice",
		PayeeName:       "Bob",
		Amount:          "100.00",
	}
}

type fixture struct {
	mail  *fakeMail
	store store.Store
	rec   *fakeRecognizer
	pipe  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	mail := newFakeMail()
	rec := &fakeRecognizer{fields: testFields(), errFor: map[string]error{}}
	clock := func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }

	pipe := New(mail, s, allocator.New(s), rec,
		export.NewWriter(s, t.TempDir()), t.TempDir(),
		WithClock(clock), WithConcurrency(2))
	return &fixture{mail: mail, store: s, rec: rec, pipe: pipe}
}

func TestRun_FullCycle(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["101"] = buildMessage("receipt.jpg")

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Batch.IDs, 1)
	id := report.Batch.IDs[0]
	assert.Equal(t, "2024010100001", id)

	item, err := fx.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusRecognized, item.Status)
	assert.Equal(t, "receipt.jpg", item.FileName)
	assert.Equal(t, "101", item.SourceMessageID)

	assert.Equal(t, 1, report.Download.MessagesSeen)
	assert.Equal(t, 1, report.Download.ItemsDownloaded)
	assert.Equal(t, 1, report.Enrich.Recognized)
	assert.Empty(t, report.Failures)
	assert.NotEmpty(t, report.CycleID)
	assert.True(t, strings.HasSuffix(report.ExportPath, "202401010001.xlsx"))
	assert.True(t, fx.mail.seen["101"])

	rows, err := fx.store.FetchBatch(context.Background(), report.Batch.IDs)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0].Fields.PayerName)
	assert.Equal(t, "100.00", rows[0].Fields.Amount)
}

func TestRun_MultipleAttachmentsOneMessage(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["7"] = buildMessage("a.jpg", "b.jpg", "c.jpg")

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, report.Batch.IDs, 3)
	assert.ElementsMatch(t, []string{"2024010100001", "2024010100002", "2024010100003"}, report.Batch.IDs)
	assert.Equal(t, 3, report.Enrich.Recognized)
	assert.True(t, fx.mail.seen["7"])
}

func TestRun_NonImageAttachmentsIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["12"] = buildMessage("statement.pdf")

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Download.MessagesSeen)
	assert.Equal(t, 0, report.Download.ItemsDownloaded)
	assert.Empty(t, report.Batch.IDs)
	assert.Empty(t, report.ExportPath)
	assert.Equal(t, 0, fx.rec.calls)
	assert.True(t, fx.mail.seen["12"], "message with no image attachments is still consumed")
}

func TestRun_TransportFailureLeavesItemDownloaded(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["9"] = buildMessage("ok.jpg", "flaky.jpg")
	fx.rec.errFor["flaky.jpg"] = resilience.NewTransientError(eris.New("overloaded"), 529)

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Enrich.Recognized)
	assert.Equal(t, 1, report.Enrich.TransportFailed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, model.StageEnriching, report.Failures[0].Stage)
	assert.Equal(t, "transport", report.Failures[0].Cause)

	// The failed item stays downloaded so a later cycle can retry it.
	item, err := fx.store.GetItem(context.Background(), report.Failures[0].ItemID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusDownloaded, item.Status)

	// The export still includes it, with empty field cells.
	assert.NotEmpty(t, report.ExportPath)
}

func TestRun_ParseFailureMarksItemFailed(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["3"] = buildMessage("blurry.jpg")
	fx.rec.errFor["blurry.jpg"] = &enrich.ParseError{Raw: "no idea", Reason: "no JSON object found"}

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Enrich.ParseFailed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "parse", report.Failures[0].Cause)

	item, err := fx.store.GetItem(context.Background(), report.Failures[0].ItemID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusFailed, item.Status)
}

func TestRun_MessageFailureDoesNotStopOthers(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["1"] = buildMessage("good.jpg")
	fx.mail.messages["2"] = buildMessage("never-seen.jpg")
	fx.mail.fetchErr["2"] = eris.New("connection reset")

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Download.MessagesFailed)
	assert.Equal(t, 1, report.Download.ItemsDownloaded)
	assert.True(t, fx.mail.seen["1"])
	assert.False(t, fx.mail.seen["2"])
	require.Len(t, report.Failures, 1)
	assert.Equal(t, model.StageDownloading, report.Failures[0].Stage)
}

func TestRun_SecondCycleSkipsSeenMessages(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["5"] = buildMessage("receipt.jpg")

	_, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Download.MessagesSeen)
	assert.Empty(t, report.Batch.IDs)
	assert.Empty(t, report.ExportPath)
}

func TestRun_MarkSeenFailureLeavesMessageForRetry(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["6"] = buildMessage("receipt.jpg")
	fx.mail.seenErr["6"] = eris.New("connection closed")

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)

	// Items are still recorded and processed this cycle.
	assert.Len(t, report.Batch.IDs, 1)
	assert.Equal(t, 1, report.Enrich.Recognized)
	assert.False(t, fx.mail.seen["6"])
}

func TestRun_DuplicateIdentifierIsFatal(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["4"] = buildMessage("receipt.jpg")

	// Occupy the id the allocator will hand out next without touching
	// the day counter, breaking the uniqueness guarantee.
	require.NoError(t, fx.store.CreateItem(context.Background(), model.Item{
		ID:           "2024010100001",
		FileName:     "other.jpg",
		FilePath:     "download/other.jpg",
		Status:       model.ItemStatusDownloaded,
		DownloadedAt: time.Now(),
	}))

	_, err := fx.pipe.Run(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrDuplicateIdentifier))
	assert.False(t, fx.mail.seen["4"])
}

func TestEnrich_SkipsAlreadyRecognized(t *testing.T) {
	fx := newFixture(t)
	fx.mail.messages["8"] = buildMessage("receipt.jpg")

	report, err := fx.pipe.Run(context.Background())
	require.NoError(t, err)
	id := report.Batch.IDs[0]

	second := &model.CycleReport{}
	err = fx.pipe.Enrich(context.Background(), model.Batch{IDs: []string{id}}, second)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Enrich.Skipped)
	assert.Equal(t, 0, second.Enrich.Recognized)
	assert.Equal(t, 1, fx.rec.calls)
}

func TestExport_EmptyBatchIsNoOp(t *testing.T) {
	fx := newFixture(t)
	path, err := fx.pipe.Export(context.Background(), model.Batch{})
	require.NoError(t, err)
	assert.Empty(t, path)
}
