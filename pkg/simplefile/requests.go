package simplefile

import "time"

// Request/Response DTOs

// SaveFileRequest contains parameters for saving new content under an alias.
// An empty Alias is replaced by a generated one.
type SaveFileRequest struct {
	Alias        string
	OriginalName string
	Access       string
	Expire       *time.Time
}

// ReplaceFileRequest carries the alias attributes written by Replace. All
// fields overwrite the stored values: an empty OriginalName clears the name
// and a nil or zero Expire clears the expiry.
type ReplaceFileRequest struct {
	OriginalName string
	Access       string
	Expire       *time.Time
}

// CollectOrphansRequest configures an orphan sweep.
type CollectOrphansRequest struct {
	// BatchSize caps the number of candidates examined. Zero means 100.
	BatchSize int
	// Apply deletes the candidates. When false the sweep only reports them.
	Apply bool
}

// CollectOrphansResult reports the outcome of an orphan sweep.
type CollectOrphansResult struct {
	Candidates     []FileMetadata `json:"candidates"`
	CandidateCount int            `json:"candidate_count"`
	DeletedCount   int            `json:"deleted_count"`
	FailedCount    int            `json:"failed_count"`
	ReclaimedBytes int64          `json:"reclaimed_bytes"`
	DryRun         bool           `json:"dry_run"`
}
