// pkg/schema/events.go
package schema

// ProcessingRequest is the message handed from staging to the derivative
// worker. It is consumed once and never persisted.
type ProcessingRequest struct {
	EventID       string `json:"event_id"`
	AssetID       string `json:"asset_id"`
	OwnerID       string `json:"owner_id"`
	Role          string `json:"role"`
	StagedPath    string `json:"staged_path"`
	OptimizedPath string `json:"optimized_path"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	OriginalPath  string `json:"original_path"`
	CreatedAt     int64  `json:"created_at"`
}

type FailureType string

const (
	FailureTypeDecode  FailureType = "decode"
	FailureTypeTimeout FailureType = "timeout"
	FailureTypeIO      FailureType = "io"
)

// AssetProcessed is published after the worker settles a request.
type AssetProcessed struct {
	EventID          string      `json:"event_id"`
	AssetID          string      `json:"asset_id"`
	OwnerID          string      `json:"owner_id"`
	Role             string      `json:"role"`
	Status           string      `json:"status"`
	OptimizedURL     string      `json:"optimized_url,omitempty"`
	ThumbnailURL     string      `json:"thumbnail_url,omitempty"`
	OriginalRetained bool        `json:"original_retained"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	Error            string      `json:"error,omitempty"`
	FailureType      FailureType `json:"failure_type,omitempty"`
	HappenedAt       int64       `json:"happened_at"`
}
