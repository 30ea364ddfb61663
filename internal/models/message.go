package models

import "time"

const ImportSourceCSV = "csv"

// Message is a stored chat message. Metadata is set only for messages
// written by an import.
type Message struct {
	ID        int64        `json:"id"`
	ChatID    int64        `json:"chat_id"`
	SenderID  int64        `json:"sender_id"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	Metadata  *MessageMeta `json:"metadata,omitempty"`
}

type MessageMeta struct {
	ImportedFrom *ImportedFrom `json:"importedFrom,omitempty"`
}

// ImportedFrom ties a message back to the import that created it.
type ImportedFrom struct {
	Source            string    `json:"source"`
	ImportID          string    `json:"importId"`
	OriginalTimestamp time.Time `json:"originalTimestamp"`
	OriginalText      string    `json:"originalText"`
	WasTranslated     bool      `json:"wasTranslated"`
}
