// Package inference defines the boundary to the remote multimodal model.
// The pipeline only ever talks to this interface; gemini implements it for
// the real service and stubinference for tests.
package inference

import (
	"context"
	"errors"
)

// MediaState is the remote processing state of an uploaded media file.
type MediaState string

const (
	MediaProcessing MediaState = "PROCESSING"
	MediaActive     MediaState = "ACTIVE"
	MediaFailed     MediaState = "FAILED"
)

// ErrMediaFailed is returned when the remote service reports a terminal
// failure state for an uploaded file.
var ErrMediaFailed = errors.New("remote media processing failed")

// MediaHandle references one uploaded media file on the remote service.
type MediaHandle struct {
	Name     string // remote resource name, e.g. "files/abc123"
	URI      string
	MIMEType string
	State    MediaState
}

// Schema is a machine-checkable response schema for structured generation,
// in the remote service's subset of JSON Schema.
type Schema struct {
	Type       string             `json:"type"`
	Format     string             `json:"format,omitempty"`
	Enum       []string           `json:"enum,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Nullable   bool               `json:"nullable,omitempty"`
}

// Gateway abstracts the remote multimodal model. Implementations perform a
// single attempt per call and no retry or backoff of their own; that policy
// belongs to the retry package. Implementations must be safe for use from
// multiple goroutines.
type Gateway interface {
	// SubmitMedia uploads a local file and returns its remote handle. The
	// returned handle's state is typically MediaProcessing.
	SubmitMedia(ctx context.Context, path string) (*MediaHandle, error)

	// PollStatus refreshes and returns the remote state of a handle.
	PollStatus(ctx context.Context, h *MediaHandle) (MediaState, error)

	// DeleteMedia removes the uploaded file from the remote service. Callers
	// must attempt this on every exit path once a handle exists.
	DeleteMedia(ctx context.Context, h *MediaHandle) error

	// GenerateFromMedia runs one generation over an active media handle.
	// When schema is non-nil the response is constrained to conform to it;
	// either way the raw response text is returned for the caller to parse.
	GenerateFromMedia(ctx context.Context, h *MediaHandle, prompt string, schema *Schema) (string, error)

	// GenerateFromImages runs one generation over a batch of inline JPEG
	// images plus an instruction prompt, returning the raw response text.
	GenerateFromImages(ctx context.Context, images [][]byte, prompt string) (string, error)

	// SourceName returns a short provider label for logs and persistence.
	SourceName() string
}
