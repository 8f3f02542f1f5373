// Package destinations models publish targets as a closed set of adapters
// behind one capability interface. The dispatcher never branches on a
// platform name: it asks the Registry for an Adapter, reads its
// Capabilities, plans media with PlanMedia, and calls Publish or Schedule.
//
// Adapters classify failures with the sentinel errors below so callers can
// tell an expired credential from rejected content from a flaky network.
package destinations

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

var (
	// ErrAuthExpired means the destination rejected the credential. The
	// caller may refresh it once and retry.
	ErrAuthExpired = errors.New("destination: authentication expired")
	// ErrContentRejected means the destination refused the post itself.
	// It is terminal for the target.
	ErrContentRejected = errors.New("destination: content rejected")
	// ErrUnsupportedContent means the content shape cannot be published to
	// the destination at all (for example images to a video-only platform).
	ErrUnsupportedContent = errors.New("destination: unsupported content")
	// ErrTransient covers network failures, rate limits and 5xx responses.
	ErrTransient = errors.New("destination: transient failure")
	// ErrUnsupportedPlatform is returned by the Registry for unknown platforms.
	ErrUnsupportedPlatform = errors.New("destination: unsupported platform")
	// ErrMissingCredentials means the account has no usable credential or
	// destination id. It is a configuration problem, not a publish failure.
	ErrMissingCredentials = errors.New("destination: missing credentials")
	// ErrScheduleUnsupported is returned by adapters without native scheduling.
	ErrScheduleUnsupported = errors.New("destination: scheduling unsupported")
)

// Capabilities describe what a destination accepts in one post.
type Capabilities struct {
	SupportsAlbum    bool `yaml:"supports_album"    json:"supports_album"`
	MaxAttachments   int  `yaml:"max_attachments"   json:"max_attachments"`
	MaxImages        int  `yaml:"max_images"        json:"max_images"`
	AllowVideo       bool `yaml:"allow_video"       json:"allow_video"`
	VideoOnly        bool `yaml:"video_only"        json:"video_only"`
	SingleAttachment bool `yaml:"single_attachment" json:"single_attachment"`
	// MaxImageEdge is the longest image side in pixels; 0 means unlimited.
	MaxImageEdge     int  `yaml:"max_image_edge"    json:"max_image_edge"`
	SupportsSchedule bool `yaml:"supports_schedule" json:"supports_schedule"`
}

// Attachment is a media file already fetched to local disk.
type Attachment struct {
	Kind     domain.MediaKind
	Path     string
	Name     string
	MimeType string
	Size     int64
}

// Content is one post ready for publishing.
type Content struct {
	Text  string
	Media []Attachment
}

// Result identifies a published (or scheduled) post.
type Result struct {
	PostID string
	URL    string
}

// Adapter publishes to one destination account.
type Adapter interface {
	Publish(ctx context.Context, c Content) (Result, error)
	Schedule(ctx context.Context, c Content, when time.Time) (Result, error)
	Capabilities() Capabilities
}

// Credentials is a refreshed credential set.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// CredentialRefresher exchanges an account's refresh token for a new access
// token.
type CredentialRefresher interface {
	Refresh(ctx context.Context, acc domain.Account) (Credentials, error)
}
