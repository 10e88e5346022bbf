package database

import "time"

// Share is a single shared file and its access rules.
type Share struct {
	ID            int64
	Filename      string
	Token         string
	ExpiresAt     time.Time
	MaxDownloads  *int    // nil when unlimited
	DownloadCount int
	PasswordHash  *string // nil when no password set
	SizeBytes     int64
	CreatedAt     time.Time
}

// Exhausted reports whether the share's download cap has been met.
func (s *Share) Exhausted() bool {
	return s.MaxDownloads != nil && s.DownloadCount >= *s.MaxDownloads
}

// DownloadOutcome describes what the download gate decided for a request
// that was allowed through.
type DownloadOutcome int

const (
	// OutcomeContinuing means the download was counted and the share stays active.
	OutcomeContinuing DownloadOutcome = iota
	// OutcomeLastDownload means this download hit the cap and the record was
	// deleted inside the same transaction. The caller owns removing the file
	// once the response has been fully written.
	OutcomeLastDownload
)

// Stats holds aggregate server statistics.
type Stats struct {
	TotalShares    int64
	ActiveShares   int64
	TotalDownloads int64
	StorageUsed    int64
}
