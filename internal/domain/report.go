package domain

import "time"

// DomainReport holds drain counters for one kind.
type DomainReport struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// SyncReport summarizes one drain.
type SyncReport struct {
	Forms      DomainReport `json:"forms"`
	Chats      DomainReport `json:"chats"`
	Documents  DomainReport `json:"documents"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Skipped    bool         `json:"skipped"`
}

// For returns the counters of the given kind.
func (r *SyncReport) For(kind Kind) *DomainReport {
	switch kind {
	case KindForm:
		return &r.Forms
	case KindChat:
		return &r.Chats
	case KindDocument:
		return &r.Documents
	}
	return nil
}

// Totals sums the counters of all kinds.
func (r SyncReport) Totals() DomainReport {
	return DomainReport{
		Synced: r.Forms.Synced + r.Chats.Synced + r.Documents.Synced,
		Failed: r.Forms.Failed + r.Chats.Failed + r.Documents.Failed,
		Total:  r.Forms.Total + r.Chats.Total + r.Documents.Total,
	}
}

// PendingCount is the number of items waiting for delivery.
// Items that exhausted their retries are counted in Failed only.
type PendingCount struct {
	Forms     int `json:"forms"`
	Chats     int `json:"chats"`
	Documents int `json:"documents"`
	Total     int `json:"total"`
	Failed    int `json:"failed"`
}
