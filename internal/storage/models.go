package storage

import (
	"time"
)

// EntryRow is the persisted form of a saved entry.
type EntryRow struct {
	Key      string    `json:"key"`
	AddedAt  time.Time `json:"added_at"`
	State    string    `json:"state"`
	Terminal bool      `json:"terminal,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// ResourceMeta is the sidecar metadata for one cached variant. The bytes
// themselves live in a file named FileName under the cache directory.
type ResourceMeta struct {
	Key            string    `json:"key"`
	Width          int       `json:"width"`
	ContentType    string    `json:"content_type"`
	ETag           string    `json:"etag,omitempty"`
	FileName       string    `json:"file_name"`
	Size           int64     `json:"size"`
	RetrievedAt    time.Time `json:"retrieved_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}
