// Package media resolves upstream file references to local files the
// destination adapters can upload.
//
// A Retriever downloads one MediaItem for the source account that received
// it. Downloads are size-capped and land in a temp directory; callers must
// Remove the File once the publish attempt is over.
package media

import (
	"context"
	"errors"
	"os"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

var (
	// ErrTooLarge means the file exceeds the configured byte limit or the
	// upstream platform refuses to serve it because of its size.
	ErrTooLarge = errors.New("media: file too large")
	// ErrNotFound means the upstream reference is unknown or expired.
	ErrNotFound = errors.New("media: file not found")
	// ErrTransient covers network failures and upstream 5xx/429.
	ErrTransient = errors.New("media: transient failure")
)

// File is a downloaded media item on local disk.
type File struct {
	Kind     domain.MediaKind
	Path     string
	Name     string
	MimeType string
	Size     int64
}

// Remove deletes the file from disk. It is safe to call on a nil File.
func (f *File) Remove() error {
	if f == nil || f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Retriever fetches one media item on behalf of the account that received it.
type Retriever interface {
	Fetch(ctx context.Context, acc domain.Account, item domain.MediaItem) (*File, error)
}

// RemoveAll deletes every file in files, ignoring errors.
func RemoveAll(files []*File) {
	for _, f := range files {
		_ = f.Remove()
	}
}
