package model

import "time"

// CycleStage names the stages of one pipeline cycle.
type CycleStage string

const (
	StageDownloading CycleStage = "downloading"
	StageEnriching   CycleStage = "enriching"
	StageExporting   CycleStage = "exporting"
)

// ItemFailure records one item that did not reach Recognized, with enough
// context to retry exactly that item by hand.
type ItemFailure struct {
	ItemID string     `json:"item_id"`
	Stage  CycleStage `json:"stage"`
	Cause  string     `json:"cause"` // "parse", "transport", "storage", "filesystem"
	Error  string     `json:"error"`
}

// DownloadStats summarizes the download stage of a cycle.
type DownloadStats struct {
	MessagesSeen    int `json:"messages_seen"`
	MessagesFailed  int `json:"messages_failed"`
	ItemsDownloaded int `json:"items_downloaded"`
	DegradedIDs     int `json:"degraded_ids"`
}

// EnrichStats summarizes the enrichment stage of a cycle.
type EnrichStats struct {
	Attempted       int `json:"attempted"`
	Recognized      int `json:"recognized"`
	ParseFailed     int `json:"parse_failed"`
	TransportFailed int `json:"transport_failed"`
	Skipped         int `json:"skipped"` // already recognized
}

// CycleReport is the aggregated outcome of one pipeline cycle. Per-item
// failures are collected here instead of being swallowed.
type CycleReport struct {
	CycleID    string        `json:"cycle_id"`
	Batch      Batch         `json:"batch"`
	Download   DownloadStats `json:"download"`
	Enrich     EnrichStats   `json:"enrich"`
	ExportPath string        `json:"export_path,omitempty"`
	Failures   []ItemFailure `json:"failures,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}
