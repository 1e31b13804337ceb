package model

import (
	"time"
)

// ItemStatus represents the lifecycle state of a downloaded attachment.
type ItemStatus string

const (
	ItemStatusNew        ItemStatus = "new"
	ItemStatusDownloaded ItemStatus = "downloaded"
	ItemStatusRecognized ItemStatus = "recognized"
	ItemStatusFailed     ItemStatus = "failed"
)

// Item is one image attachment tracked through the pipeline. The id is
// globally unique: YYYYMMDD plus a 5-digit day sequence, or, when the
// allocator runs degraded, YYYYMMDD_<unix timestamp>.
type Item struct {
	ID              string     `json:"id"`
	SourceMessageID string     `json:"source_message_id,omitempty"`
	FileName        string     `json:"file_name"`
	FilePath        string     `json:"file_path"`
	Status          ItemStatus `json:"status"`
	DownloadedAt    time.Time  `json:"downloaded_at"`
	RecognizedAt    *time.Time `json:"recognized_at,omitempty"`
}

// Fields holds the structured values extracted from one transfer screenshot.
// Empty strings mean the recognition service did not return that field.
type Fields struct {
	TransactionTime string `json:"transaction_time"`
	PayerName       string `json:"payer_name"`
	PayeeName       string `json:"payee_name"`
	Amount          string `json:"amount"`
}

// Empty reports whether no field was extracted at all.
func (f Fields) Empty() bool {
	return f.TransactionTime == "" && f.PayerName == "" && f.PayeeName == "" && f.Amount == ""
}

// Row is one display/export row: an item joined with its recognition
// result. Items without a result carry zero-valued Fields.
type Row struct {
	Item      Item   `json:"item"`
	Fields    Fields `json:"fields"`
	HasResult bool   `json:"has_result"`
}

// Batch is the ordered set of item ids produced by one download stage.
// It is caller-held and never persisted.
type Batch struct {
	IDs []string `json:"ids"`
}

// Empty reports whether the batch contains no items.
func (b Batch) Empty() bool { return len(b.IDs) == 0 }
