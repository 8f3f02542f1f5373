package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// telegramCaptionLimit is the Bot API limit for media captions. Longer text
// is sent as a follow-up message.
const telegramCaptionLimit = 1024

// TelegramAdapter publishes to a Telegram chat or channel through the Bot
// API. The account's AccessToken is the bot token and ExternalID the target
// chat id or @username.
type TelegramAdapter struct {
	base   string
	token  string
	chatID string
	caps   Capabilities
	client *http.Client
}

var _ Adapter = (*TelegramAdapter)(nil)

// NewTelegramAdapter builds an adapter against the Bot API at base
// (normally https://api.telegram.org).
func NewTelegramAdapter(base, token, chatID string, caps Capabilities, client *http.Client) *TelegramAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TelegramAdapter{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		chatID: chatID,
		caps:   caps,
		client: client,
	}
}

// Capabilities implements Adapter.
func (a *TelegramAdapter) Capabilities() Capabilities { return a.caps }

// Schedule implements Adapter. Bots cannot schedule messages.
func (a *TelegramAdapter) Schedule(context.Context, Content, time.Time) (Result, error) {
	return Result{}, ErrScheduleUnsupported
}

// Publish implements Adapter.
func (a *TelegramAdapter) Publish(ctx context.Context, c Content) (Result, error) {
	if len(c.Media) == 0 {
		if strings.TrimSpace(c.Text) == "" {
			return Result{}, fmt.Errorf("%w: empty post", ErrUnsupportedContent)
		}
		return a.sendMessage(ctx, c.Text)
	}

	caption, followUp := c.Text, ""
	if len([]rune(caption)) > telegramCaptionLimit {
		caption, followUp = "", c.Text
	}

	var (
		res Result
		err error
	)
	if len(c.Media) == 1 {
		res, err = a.sendSingle(ctx, c.Media[0], caption)
	} else {
		res, err = a.sendMediaGroup(ctx, c.Media, caption)
	}
	if err != nil {
		return Result{}, err
	}
	if followUp != "" {
		if _, err := a.sendMessage(ctx, followUp); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (a *TelegramAdapter) sendMessage(ctx context.Context, text string) (Result, error) {
	form := url.Values{}
	form.Set("chat_id", a.chatID)
	form.Set("text", text)
	return a.call(ctx, "sendMessage", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (a *TelegramAdapter) sendSingle(ctx context.Context, m Attachment, caption string) (Result, error) {
	method, field := "sendPhoto", "photo"
	if m.Kind == domain.MediaVideo {
		method, field = "sendVideo", "video"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", a.chatID)
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	if err := attachFile(w, field, m); err != nil {
		return Result{}, err
	}
	if err := w.Close(); err != nil {
		return Result{}, err
	}
	return a.call(ctx, method, w.FormDataContentType(), &buf)
}

type tgInputMedia struct {
	Type    string `json:"type"`
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

func (a *TelegramAdapter) sendMediaGroup(ctx context.Context, media []Attachment, caption string) (Result, error) {
	items := make([]tgInputMedia, len(media))
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", a.chatID)
	for i, m := range media {
		field := "file" + strconv.Itoa(i)
		items[i] = tgInputMedia{Type: string(m.Kind), Media: "attach://" + field}
		if err := attachFile(w, field, m); err != nil {
			return Result{}, err
		}
	}
	items[0].Caption = caption
	raw, err := json.Marshal(items)
	if err != nil {
		return Result{}, err
	}
	_ = w.WriteField("media", string(raw))
	if err := w.Close(); err != nil {
		return Result{}, err
	}
	return a.call(ctx, "sendMediaGroup", w.FormDataContentType(), &buf)
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type tgMessage struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"chat"`
}

func (a *TelegramAdapter) call(ctx context.Context, method, contentType string, body io.Reader) (Result, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", a.base, a.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, transportError(err)
	}
	defer resp.Body.Close()

	var out tgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		if cerr := classifyStatus(resp.StatusCode, resp.Status); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, fmt.Errorf("%w: decode %s response: %v", ErrTransient, method, err)
	}
	if !out.OK {
		status := out.ErrorCode
		if status == 0 {
			status = resp.StatusCode
		}
		if err := classifyStatus(status, out.Description); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %s", ErrContentRejected, out.Description)
	}

	// sendMediaGroup returns an array; everything else a single message.
	var msg tgMessage
	if len(out.Result) > 0 && out.Result[0] == '[' {
		var msgs []tgMessage
		if err := json.Unmarshal(out.Result, &msgs); err != nil || len(msgs) == 0 {
			return Result{}, fmt.Errorf("%w: malformed %s result", ErrTransient, method)
		}
		msg = msgs[0]
	} else if err := json.Unmarshal(out.Result, &msg); err != nil {
		return Result{}, fmt.Errorf("%w: malformed %s result", ErrTransient, method)
	}
	return Result{PostID: strconv.FormatInt(msg.MessageID, 10), URL: messageURL(msg)}, nil
}

// messageURL builds a t.me link for public chats and private supergroups or
// channels. Other chats have no shareable link.
func messageURL(m tgMessage) string {
	if m.Chat.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", m.Chat.Username, m.MessageID)
	}
	if id := strconv.FormatInt(m.Chat.ID, 10); strings.HasPrefix(id, "-100") {
		return fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(id, "-100"), m.MessageID)
	}
	return ""
}
