package destinations

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// Registry resolves accounts to adapters. Telegram accounts use the Bot API
// directly; every other platform in the capability table goes through the
// publishing gateway when one is configured.
type Registry struct {
	caps         map[string]Capabilities
	telegramBase string
	gatewayURL   string
	client       *http.Client
}

// NewRegistry builds a registry. gatewayURL may be empty, in which case only
// Telegram destinations are available.
func NewRegistry(caps map[string]Capabilities, telegramBase, gatewayURL string, timeout time.Duration) *Registry {
	if caps == nil {
		caps = DefaultCapabilities()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Registry{
		caps:         caps,
		telegramBase: telegramBase,
		gatewayURL:   gatewayURL,
		client:       &http.Client{Timeout: timeout},
	}
}

// Capabilities returns the table entry for platform.
func (r *Registry) Capabilities(platform string) (Capabilities, bool) {
	c, ok := r.caps[strings.ToLower(platform)]
	return c, ok
}

// Adapter returns a publish adapter bound to acc's credentials.
func (r *Registry) Adapter(acc domain.Account) (Adapter, error) {
	platform := strings.ToLower(acc.Platform)
	caps, ok := r.caps[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, acc.Platform)
	}
	if acc.AccessToken == "" || acc.ExternalID == "" {
		return nil, fmt.Errorf("%w: account %s", ErrMissingCredentials, acc.ID)
	}
	if platform == domain.PlatformTelegram {
		return NewTelegramAdapter(r.telegramBase, acc.AccessToken, acc.ExternalID, caps, r.client), nil
	}
	if r.gatewayURL == "" {
		return nil, fmt.Errorf("%w: %q requires a publishing gateway", ErrUnsupportedPlatform, acc.Platform)
	}
	return NewGatewayAdapter(r.gatewayURL, platform, acc.ExternalID, acc.AccessToken, caps, r.client), nil
}

// Refresher returns the credential refresher for platform, or nil when its
// credentials cannot be refreshed (Telegram bot tokens do not expire).
func (r *Registry) Refresher(platform string) CredentialRefresher {
	if strings.EqualFold(platform, domain.PlatformTelegram) || r.gatewayURL == "" {
		return nil
	}
	return NewGatewayRefresher(r.gatewayURL, r.client)
}
