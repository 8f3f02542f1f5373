package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// DefaultMaxBytes matches the Bot API download limit.
const DefaultMaxBytes int64 = 20 * 1024 * 1024

// TelegramRetriever downloads files through the Bot API: getFile resolves
// the file_id to a file_path, which is then streamed from the file endpoint.
// The source account's AccessToken is the bot token.
type TelegramRetriever struct {
	base     string
	maxBytes int64
	tempDir  string
	client   *http.Client
}

var _ Retriever = (*TelegramRetriever)(nil)

// NewTelegramRetriever builds a retriever. maxBytes <= 0 uses
// DefaultMaxBytes; an empty tempDir uses os.TempDir().
func NewTelegramRetriever(base string, maxBytes int64, tempDir string, timeout time.Duration) *TelegramRetriever {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TelegramRetriever{
		base:     strings.TrimRight(base, "/"),
		maxBytes: maxBytes,
		tempDir:  tempDir,
		client:   &http.Client{Timeout: timeout},
	}
}

type tgFileResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		FileID   string `json:"file_id"`
		FileSize int64  `json:"file_size"`
		FilePath string `json:"file_path"`
	} `json:"result"`
}

// Fetch implements Retriever.
func (r *TelegramRetriever) Fetch(ctx context.Context, acc domain.Account, item domain.MediaItem) (*File, error) {
	if acc.AccessToken == "" {
		return nil, fmt.Errorf("%w: account %s has no bot token", ErrNotFound, acc.ID)
	}
	if item.FileRef == "" {
		return nil, fmt.Errorf("%w: empty file reference", ErrNotFound)
	}
	if item.Size > r.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, item.Size, r.maxBytes)
	}

	filePath, size, err := r.getFile(ctx, acc.AccessToken, item.FileRef)
	if err != nil {
		return nil, err
	}
	if size > r.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, r.maxBytes)
	}

	f, err := r.download(ctx, acc.AccessToken, filePath)
	if err != nil {
		return nil, err
	}
	f.Kind = item.Kind
	if item.MimeType != "" {
		f.MimeType = item.MimeType
	}
	return f, nil
}

func (r *TelegramRetriever) getFile(ctx context.Context, token, fileID string) (string, int64, error) {
	endpoint := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", r.base, token, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: getFile: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var body tgFileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		if resp.StatusCode >= 500 {
			return "", 0, fmt.Errorf("%w: getFile status %d", ErrTransient, resp.StatusCode)
		}
		return "", 0, fmt.Errorf("%w: getFile: decode: %v", ErrTransient, err)
	}
	if !body.OK {
		return "", 0, classify(resp.StatusCode, body.Description)
	}
	if body.Result.FilePath == "" {
		return "", 0, fmt.Errorf("%w: getFile returned no file_path", ErrNotFound)
	}
	return body.Result.FilePath, body.Result.FileSize, nil
}

func (r *TelegramRetriever) download(ctx context.Context, token, filePath string) (*File, error) {
	endpoint := fmt.Sprintf("%s/file/bot%s/%s", r.base, token, strings.TrimLeft(filePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classify(resp.StatusCode, "download")
	}

	out, err := os.CreateTemp(r.tempDir, "media-*"+path.Ext(filePath))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, r.maxBytes+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(out.Name())
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	if n > r.maxBytes {
		_ = os.Remove(out.Name())
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, r.maxBytes)
	}

	return &File{
		Path:     out.Name(),
		Name:     path.Base(filePath),
		MimeType: resp.Header.Get("Content-Type"),
		Size:     n,
	}, nil
}

func classify(status int, detail string) error {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "too big"), status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrTooLarge, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %d %s", ErrTransient, status, detail)
	default:
		return fmt.Errorf("%w: %d %s", ErrNotFound, status, detail)
	}
}
