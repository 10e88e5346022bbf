package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ProgressStatus is the lifecycle state of one upload attempt.
type ProgressStatus string

const (
	StatusStarting  ProgressStatus = "starting"
	StatusUploading ProgressStatus = "uploading"
	StatusCompleted ProgressStatus = "completed"
	StatusFailed    ProgressStatus = "failed"
)

// Progress tracks how many bytes of an upload have been written so far.
// Entries are transient: loss on restart is acceptable.
type Progress struct {
	UploadID string         `json:"upload_id"`
	Total    int64          `json:"total"` // 0 when the length is unknown up front
	Uploaded int64          `json:"uploaded"`
	Status   ProgressStatus `json:"status"`
}

// ProgressStore holds in-flight upload progress, keyed by upload ID.
// The expirable LRU bounds both entry count and lifetime: every update
// refreshes the entry's TTL, so a terminal entry evaporates one retention
// window after its last write without any per-entry timer goroutines.
type ProgressStore struct {
	entries *expirable.LRU[string, Progress]
}

// NewProgressStore creates a progress store that keeps at most maxEntries
// entries, each for retention after its last update.
func NewProgressStore(maxEntries int, retention time.Duration) *ProgressStore {
	return &ProgressStore{
		entries: expirable.NewLRU[string, Progress](maxEntries, nil, retention),
	}
}

// Begin registers a new upload attempt.
func (p *ProgressStore) Begin(uploadID string, total int64) {
	p.entries.Add(uploadID, Progress{
		UploadID: uploadID,
		Total:    total,
		Status:   StatusStarting,
	})
}

// Update records the running byte count after a chunk. The count never
// goes backwards.
func (p *ProgressStore) Update(uploadID string, uploaded int64) {
	cur, ok := p.entries.Get(uploadID)
	if !ok {
		cur = Progress{UploadID: uploadID}
	}
	if uploaded > cur.Uploaded {
		cur.Uploaded = uploaded
	}
	cur.Status = StatusUploading
	p.entries.Add(uploadID, cur)
}

// Complete marks the upload finished. When the total was unknown in advance
// it is settled to the final byte count.
func (p *ProgressStore) Complete(uploadID string) {
	cur, ok := p.entries.Get(uploadID)
	if !ok {
		return
	}
	cur.Status = StatusCompleted
	if cur.Total == 0 {
		cur.Total = cur.Uploaded
	}
	p.entries.Add(uploadID, cur)
}

// Fail marks the upload as failed.
func (p *ProgressStore) Fail(uploadID string) {
	cur, ok := p.entries.Get(uploadID)
	if !ok {
		cur = Progress{UploadID: uploadID}
	}
	cur.Status = StatusFailed
	p.entries.Add(uploadID, cur)
}

// Get returns the progress for an upload, or false if the entry is unknown
// or has aged out.
func (p *ProgressStore) Get(uploadID string) (Progress, bool) {
	return p.entries.Get(uploadID)
}
