package storage

import "time"

// Dispositions recorded for a task leaving the pipeline.
const (
	DispositionSuccess   = "success"
	DispositionAbandoned = "abandoned"
	DispositionHailMary  = "hail_mary"
)

// DownloadRecord is one observable outcome of a story task. History is for
// operators only; the retry policy never reads it back.
type DownloadRecord struct {
	ID          uint   `gorm:"primaryKey" json:"-"`
	TaskID      string `gorm:"index" json:"task_id"`
	URL         string `gorm:"index" json:"url"`
	Site        string `json:"site"`
	Title       string `json:"title"`
	Disposition string `json:"disposition"`
	Repeats     int64  `json:"repeats"`
	Error       string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DailyStat aggregates outcomes per calendar day.
type DailyStat struct {
	Date      string `gorm:"primaryKey" json:"date"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
}
