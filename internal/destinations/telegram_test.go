package destinations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

func tempAttachment(t *testing.T, kind domain.MediaKind, name string) Attachment {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("bytes-of-"+name), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return Attachment{Kind: kind, Path: p, Size: int64(len("bytes-of-" + name))}
}

func TestTelegramAdapter_SendMessage(t *testing.T) {
	var gotPath, gotText, gotChat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotText, gotChat = r.PostForm.Get("text"), r.PostForm.Get("chat_id")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"chat":{"id":-1001234,"username":"news"}}}`))
	}))
	defer srv.Close()

	a := NewTelegramAdapter(srv.URL, "TOKEN", "@news", Capabilities{}, srv.Client())
	res, err := a.Publish(context.Background(), Content{Text: "hello"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotPath != "/botTOKEN/sendMessage" || gotText != "hello" || gotChat != "@news" {
		t.Fatalf("unexpected request: path=%s text=%q chat=%q", gotPath, gotText, gotChat)
	}
	if res.PostID != "77" || res.URL != "https://t.me/news/77" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTelegramAdapter_SendPhotoWithCaption(t *testing.T) {
	var caption, fileName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendPhoto") {
			t.Errorf("unexpected method %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		caption = r.FormValue("caption")
		if _, fh, err := r.FormFile("photo"); err == nil {
			fileName = fh.Filename
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":5,"chat":{"id":-1009876}}}`))
	}))
	defer srv.Close()

	a := NewTelegramAdapter(srv.URL, "T", "-1009876", Capabilities{}, srv.Client())
	res, err := a.Publish(context.Background(), Content{Text: "cap", Media: []Attachment{tempAttachment(t, domain.MediaPhoto, "a.jpg")}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if caption != "cap" || fileName != "a.jpg" {
		t.Fatalf("unexpected multipart: caption=%q file=%q", caption, fileName)
	}
	if res.URL != "https://t.me/c/9876/5" {
		t.Fatalf("unexpected private link: %q", res.URL)
	}
}

func TestTelegramAdapter_SendMediaGroup(t *testing.T) {
	var items []tgInputMedia
	var files int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMediaGroup") {
			t.Errorf("unexpected method %s", r.URL.Path)
		}
		_ = r.ParseMultipartForm(1 << 20)
		_ = json.Unmarshal([]byte(r.FormValue("media")), &items)
		files = len(r.MultipartForm.File)
		_, _ = w.Write([]byte(`{"ok":true,"result":[{"message_id":10,"chat":{"id":1}},{"message_id":11,"chat":{"id":1}}]}`))
	}))
	defer srv.Close()

	a := NewTelegramAdapter(srv.URL, "T", "1", Capabilities{}, srv.Client())
	res, err := a.Publish(context.Background(), Content{Text: "album", Media: []Attachment{
		tempAttachment(t, domain.MediaPhoto, "1.jpg"),
		tempAttachment(t, domain.MediaVideo, "2.mp4"),
	}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(items) != 2 || files != 2 {
		t.Fatalf("expected 2 media entries and files, got %d/%d", len(items), files)
	}
	if items[0].Caption != "album" || items[1].Caption != "" || items[1].Type != "video" || items[0].Media != "attach://file0" {
		t.Fatalf("unexpected media payload: %+v", items)
	}
	if res.PostID != "10" || res.URL != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTelegramAdapter_LongCaptionSentAsFollowUp(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":1}}}`))
	}))
	defer srv.Close()

	a := NewTelegramAdapter(srv.URL, "T", "1", Capabilities{}, srv.Client())
	long := strings.Repeat("x", telegramCaptionLimit+1)
	if _, err := a.Publish(context.Background(), Content{Text: long, Media: []Attachment{tempAttachment(t, domain.MediaPhoto, "a.jpg")}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(methods) != 2 || methods[0] != "sendPhoto" || methods[1] != "sendMessage" {
		t.Fatalf("expected sendPhoto then sendMessage, got %v", methods)
	}
}

func TestTelegramAdapter_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"ok":false,"error_code":401,"description":"Unauthorized"}`, ErrAuthExpired},
		{http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, ErrContentRejected},
		{http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`, ErrTransient},
		{http.StatusBadGateway, `<html>bad gateway</html>`, ErrTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		a := NewTelegramAdapter(srv.URL, "T", "1", Capabilities{}, srv.Client())
		_, err := a.Publish(context.Background(), Content{Text: "x"})
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestTelegramAdapter_EmptyPostAndSchedule(t *testing.T) {
	a := NewTelegramAdapter("http://unused", "T", "1", Capabilities{}, nil)
	if _, err := a.Publish(context.Background(), Content{Text: "  "}); !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("expected ErrUnsupportedContent, got %v", err)
	}
	if _, err := a.Schedule(context.Background(), Content{Text: "x"}, timeNowPlusHour()); !errors.Is(err, ErrScheduleUnsupported) {
		t.Fatalf("expected ErrScheduleUnsupported, got %v", err)
	}
}
