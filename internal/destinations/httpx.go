package destinations

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// classifyStatus maps an HTTP status to the package error taxonomy.
func classifyStatus(status int, detail string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %d %s", ErrAuthExpired, status, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %d %s", ErrTransient, status, detail)
	case status >= 400:
		return fmt.Errorf("%w: %d %s", ErrContentRejected, status, detail)
	default:
		return nil
	}
}

// transportError wraps a client.Do failure as transient.
func transportError(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// attachFile copies the file at a.Path into a multipart part named field.
func attachFile(w *multipart.Writer, field string, a Attachment) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	name := a.Name
	if name == "" {
		name = filepath.Base(a.Path)
	}
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
