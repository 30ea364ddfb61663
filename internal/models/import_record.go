package models

import "time"

// ImportRecord is the registry entry of one completed import. It is
// written together with the imported messages and never updated.
type ImportRecord struct {
	ID           string    `json:"importId"`
	ChatID       int64     `json:"chatId"`
	UploaderID   int64     `json:"uploaderId"`
	FileName     string    `json:"fileName"`
	ImportedAt   time.Time `json:"importedAt"`
	MessageCount int       `json:"messageCount"`
	SkippedCount int       `json:"skippedCount"`
	RangeStart   time.Time `json:"rangeStart"`
	RangeEnd     time.Time `json:"rangeEnd"`
}
