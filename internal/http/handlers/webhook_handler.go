// Webhook HTTP handler.
//
// This file exposes the inbound endpoint a Telegram bot's webhook points at:
//   - POST /webhooks/telegram/{accountId}
//
// The handler authenticates the delivery, normalizes the Telegram envelope
// into a domain.InboundUpdate and hands it to the ingest service. It never
// waits for dispatch; any 2xx tells Telegram to stop redelivering.
package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/services"
)

// HeaderTelegramSecret carries the secret_token configured with setWebhook.
const HeaderTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"

//
// DTOs
//

type tgChat struct {
	ID int64 `json:"id"`
}

type tgPhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type tgMessage struct {
	MessageID    int64         `json:"message_id"`
	Chat         tgChat        `json:"chat"`
	MediaGroupID string        `json:"media_group_id"`
	Text         string        `json:"text"`
	Caption      string        `json:"caption"`
	Photo        []tgPhotoSize `json:"photo"`
	Video        *tgFile       `json:"video"`
	Document     *tgFile       `json:"document"`
}

// TelegramUpdate is the subset of the Bot API Update object the relay reads.
type TelegramUpdate struct {
	UpdateID    *int64     `json:"update_id"`
	Message     *tgMessage `json:"message"`
	ChannelPost *tgMessage `json:"channel_post"`
}

// IngestResponse reports what happened to an accepted delivery.
type IngestResponse struct {
	RequestID string                 `json:"request_id,omitempty"`
	Status    services.IngestOutcome `json:"status"`
}

// toInbound normalizes the envelope. ok is false when the update carries no
// message the relay understands (edits, callbacks, member updates...).
func (u TelegramUpdate) toInbound(accountID string) (domain.InboundUpdate, bool) {
	m := u.Message
	if m == nil {
		m = u.ChannelPost
	}
	if m == nil {
		return domain.InboundUpdate{}, false
	}
	in := domain.InboundUpdate{
		ExternalUpdateID: u.UpdateID,
		AccountID:        accountID,
		ChatID:           m.Chat.ID,
		MessageID:        m.MessageID,
		MediaGroupID:     strings.TrimSpace(m.MediaGroupID),
		Text:             m.Text,
		Caption:          m.Caption,
	}
	if p, ok := largestPhoto(m.Photo); ok {
		in.Media = append(in.Media, domain.MediaItem{Kind: domain.MediaPhoto, FileRef: p.FileID, MimeType: "image/jpeg", Size: p.FileSize})
	}
	if m.Video != nil && m.Video.FileID != "" {
		in.Media = append(in.Media, domain.MediaItem{Kind: domain.MediaVideo, FileRef: m.Video.FileID, MimeType: m.Video.MimeType, Size: m.Video.FileSize})
	}
	if d := m.Document; d != nil && d.FileID != "" {
		switch {
		case strings.HasPrefix(d.MimeType, "image/"):
			in.Media = append(in.Media, domain.MediaItem{Kind: domain.MediaPhoto, FileRef: d.FileID, MimeType: d.MimeType, Size: d.FileSize})
		case strings.HasPrefix(d.MimeType, "video/"):
			in.Media = append(in.Media, domain.MediaItem{Kind: domain.MediaVideo, FileRef: d.FileID, MimeType: d.MimeType, Size: d.FileSize})
		}
	}
	return in, true
}

// largestPhoto picks the biggest rendition Telegram offers for a photo.
func largestPhoto(sizes []tgPhotoSize) (tgPhotoSize, bool) {
	if len(sizes) == 0 {
		return tgPhotoSize{}, false
	}
	s := append([]tgPhotoSize(nil), sizes...)
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Width*s[i].Height < s[j].Width*s[j].Height
	})
	best := s[len(s)-1]
	return best, best.FileID != ""
}

//
// Handlers
//

// TelegramWebhook godoc
// @ID          telegramWebhook
// @Summary     Receive a Telegram update
// @Description Authenticates and ingests one Telegram Bot API update for the given source account.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       accountId                        path    string  true   "Receiving account id"
// @Param       X-Telegram-Bot-Api-Secret-Token  header  string  false  "Webhook secret token"
//
// @Success     200  {object}  handlers.IngestResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed update"
// @Failure     401  {object}  handlers.ErrorResponse  "Secret token mismatch"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown account"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /webhooks/telegram/{accountId} [post]
func (h *Handlers) TelegramWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := strings.TrimSpace(c.Param("accountId"))

	if err := h.ingestSvc.Authenticate(ctx, accountID, c.GetHeader(HeaderTelegramSecret)); err != nil {
		failService(c, err, ErrCodeIngestFailed)
		return
	}

	var req TelegramUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	in, known := req.toInbound(accountID)
	if !known {
		ack(c, services.OutcomeIgnored)
		return
	}

	out, err := h.ingestSvc.Ingest(ctx, in)
	if err != nil {
		failService(c, err, ErrCodeIngestFailed)
		return
	}
	ack(c, out)
}
