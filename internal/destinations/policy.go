package destinations

import (
	"fmt"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// MediaPlan is the outcome of adapting a message's media to a destination.
type MediaPlan struct {
	Media   []domain.MediaItem
	Dropped int
}

// PlanMedia selects which items of media a destination with caps receives.
//
//   - Video-only destinations keep videos (up to MaxAttachments, default 1)
//     and fail with ErrUnsupportedContent when there is none.
//   - Single-attachment destinations take the first video, else up to
//     MaxImages images (default 1).
//   - Album destinations take up to MaxImages images, plus videos when
//     AllowVideo is set, capped at MaxAttachments.
//   - Anything else takes the first item.
//
// Input order is preserved and Dropped counts every item not kept.
func PlanMedia(caps Capabilities, media []domain.MediaItem) (MediaPlan, error) {
	photos, videos := split(media)

	switch {
	case caps.VideoOnly:
		if len(videos) == 0 {
			return MediaPlan{}, fmt.Errorf("%w: destination accepts video only, got %d image(s)", ErrUnsupportedContent, len(photos))
		}
		kept := take(videos, orDefault(caps.MaxAttachments, 1))
		return MediaPlan{Media: kept, Dropped: len(media) - len(kept)}, nil

	case len(media) == 0:
		return MediaPlan{}, nil

	case caps.SingleAttachment:
		if len(videos) > 0 {
			return MediaPlan{Media: videos[:1], Dropped: len(media) - 1}, nil
		}
		kept := take(photos, orDefault(caps.MaxImages, 1))
		return MediaPlan{Media: kept, Dropped: len(media) - len(kept)}, nil

	case caps.SupportsAlbum:
		maxImages := orDefault(caps.MaxImages, len(media))
		maxTotal := orDefault(caps.MaxAttachments, len(media))
		var kept []domain.MediaItem
		images := 0
		for _, it := range media {
			if len(kept) == maxTotal {
				break
			}
			switch it.Kind {
			case domain.MediaPhoto:
				if images == maxImages {
					continue
				}
				images++
			case domain.MediaVideo:
				if !caps.AllowVideo {
					continue
				}
			default:
				continue
			}
			kept = append(kept, it)
		}
		return MediaPlan{Media: kept, Dropped: len(media) - len(kept)}, nil

	default:
		return MediaPlan{Media: media[:1], Dropped: len(media) - 1}, nil
	}
}

func split(media []domain.MediaItem) (photos, videos []domain.MediaItem) {
	for _, it := range media {
		switch it.Kind {
		case domain.MediaPhoto:
			photos = append(photos, it)
		case domain.MediaVideo:
			videos = append(videos, it)
		}
	}
	return photos, videos
}

func take(items []domain.MediaItem, n int) []domain.MediaItem {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
