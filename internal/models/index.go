package models

// IndexInfo describes a workspace's vector index. It is comparable so that
// change detection is plain equality.
type IndexInfo struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Size       int    `json:"size"`
	NextLabel  int    `json:"next_label"`
	FreeLabels int    `json:"free_labels"`
	Path       string `json:"path,omitempty"`
}

// SyncMode selects the index build workflow.
type SyncMode string

const (
	// SyncStale embeds only blocks that changed since their label was refreshed.
	SyncStale SyncMode = "sync-stale"
	// ResetAndSync discards the index and embeds every eligible block.
	ResetAndSync SyncMode = "reset-and-sync"
)

// SyncResult summarizes a finished build run. Canceled runs return Canceled=true
// and no error.
type SyncResult struct {
	JobID    string   `json:"job_id,omitempty"`
	Mode     SyncMode `json:"mode,omitempty"`
	Batches  int      `json:"batches"`
	Blocks   int      `json:"blocks"`
	Canceled bool     `json:"canceled,omitempty"`
}
