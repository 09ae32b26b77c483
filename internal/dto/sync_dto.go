package dto

import "time"

// DocumentChangedMessage is the payload published on the in-process
// bus after a room applies and persists an update, and the body of the
// outbound callback webhook.
type DocumentChangedMessage struct {
	Owner      string    `json:"owner"`
	Project    string    `json:"project"`
	DocumentID string    `json:"document_id"`
	UpdateSize int       `json:"update_size"`
	ChangedAt  time.Time `json:"changed_at"`
}

type CreateSnapshotRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

type SnapshotResponse struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	WordCount   int       `json:"word_count"`
	CreatedAt   time.Time `json:"created_at"`
	Preview     string    `json:"preview,omitempty"`
}

type DocumentStatsResponse struct {
	DocumentID  string `json:"document_id"`
	Length      int    `json:"length"`
	WordCount   int    `json:"word_count"`
	Connections int    `json:"connections"`
}
