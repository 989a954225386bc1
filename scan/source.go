package scan

import (
	"context"
	"time"
)

// FileRecord is one entry returned by a remote listing page.
type FileRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modified_time"`
	ParentIDs    []string  `json:"parent_ids,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
}

// ListFilters narrows a listing request.
type ListFilters struct {
	IncludeTrashed bool
	RootScopeID    string // restrict to one subtree; empty = whole hierarchy
	MaxDepth       int    // 0 = unlimited
}

// Page is one bounded slice of a remote listing. An empty NextToken means
// the listing is exhausted.
type Page struct {
	Records   []FileRecord
	NextToken string
}

// RemoteFileSource is the consumed listing API. The continuation token is
// an opaque cursor; passing the token from a previous page resumes the
// listing exactly where it left off, including across process restarts.
type RemoteFileSource interface {
	List(ctx context.Context, continuationToken string, pageSize int, filters ListFilters) (*Page, error)
}
