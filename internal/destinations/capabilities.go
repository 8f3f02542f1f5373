package destinations

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// DefaultCapabilities is the built-in per-platform capability table.
func DefaultCapabilities() map[string]Capabilities {
	return map[string]Capabilities{
		domain.PlatformTelegram: {
			SupportsAlbum: true, MaxAttachments: 10, MaxImages: 10, AllowVideo: true,
		},
		domain.PlatformFacebook: {
			SupportsAlbum: true, MaxAttachments: 10, MaxImages: 10,
			MaxImageEdge: 2048, SupportsSchedule: true,
		},
		domain.PlatformInstagram: {
			SupportsAlbum: true, MaxAttachments: 10, MaxImages: 10, AllowVideo: true,
			MaxImageEdge: 1440, SupportsSchedule: true,
		},
		domain.PlatformTwitter: {
			SingleAttachment: true, MaxAttachments: 4, MaxImages: 4,
			MaxImageEdge: 4096, SupportsSchedule: true,
		},
		domain.PlatformThreads: {
			SupportsAlbum: true, MaxAttachments: 10, MaxImages: 10, AllowVideo: true,
			MaxImageEdge: 1440,
		},
		domain.PlatformLinkedIn: {
			SingleAttachment: true, MaxAttachments: 9, MaxImages: 9,
			MaxImageEdge: 4096, SupportsSchedule: true,
		},
		domain.PlatformYouTube: {
			VideoOnly: true, SingleAttachment: true, MaxAttachments: 1, SupportsSchedule: true,
		},
		domain.PlatformTikTok: {
			VideoOnly: true, SingleAttachment: true, MaxAttachments: 1,
		},
		domain.PlatformWebhook: {
			SupportsAlbum: true, MaxAttachments: 10, MaxImages: 10, AllowVideo: true,
		},
	}
}

// LoadCapabilities returns the default table with overrides from the YAML
// file at path applied. Each platform entry only overrides the fields it
// sets; new platforms start from the zero Capabilities. An empty path returns
// the defaults.
//
// Example:
//
//	twitter:
//	  max_images: 2
//	mastodon:
//	  supports_album: true
//	  max_images: 4
func LoadCapabilities(path string) (map[string]Capabilities, error) {
	caps := DefaultCapabilities()
	if path == "" {
		return caps, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read destinations file: %w", err)
	}
	if err := applyOverrides(caps, raw); err != nil {
		return nil, fmt.Errorf("parse destinations file %s: %w", path, err)
	}
	return caps, nil
}

func applyOverrides(caps map[string]Capabilities, raw []byte) error {
	var nodes map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &nodes); err != nil {
		return err
	}
	for platform, node := range nodes {
		c := caps[platform]
		if err := node.Decode(&c); err != nil {
			return fmt.Errorf("%s: %w", platform, err)
		}
		if c.MaxAttachments < 0 || c.MaxImages < 0 || c.MaxImageEdge < 0 {
			return fmt.Errorf("%s: limits must not be negative", platform)
		}
		caps[platform] = c
	}
	return nil
}
