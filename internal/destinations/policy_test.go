package destinations

import (
	"errors"
	"testing"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

func photo(ref string) domain.MediaItem { return domain.MediaItem{Kind: domain.MediaPhoto, FileRef: ref} }
func video(ref string) domain.MediaItem { return domain.MediaItem{Kind: domain.MediaVideo, FileRef: ref} }

func refs(items []domain.MediaItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.FileRef
	}
	return out
}

func TestPlanMedia_SingleAttachmentPrefersVideo(t *testing.T) {
	caps := Capabilities{SingleAttachment: true, MaxImages: 4}
	media := []domain.MediaItem{photo("p1"), photo("p2"), video("v1"), photo("p3")}

	plan, err := PlanMedia(caps, media)
	if err != nil {
		t.Fatalf("PlanMedia: %v", err)
	}
	if got := refs(plan.Media); len(got) != 1 || got[0] != "v1" {
		t.Fatalf("expected [v1], got %v", got)
	}
	if plan.Dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", plan.Dropped)
	}
}

func TestPlanMedia_SingleAttachmentImagesUpToN(t *testing.T) {
	caps := Capabilities{SingleAttachment: true, MaxImages: 2}
	plan, err := PlanMedia(caps, []domain.MediaItem{photo("a"), photo("b"), photo("c")})
	if err != nil {
		t.Fatalf("PlanMedia: %v", err)
	}
	if got := refs(plan.Media); len(got) != 2 || got[0] != "a" || got[1] != "b" || plan.Dropped != 1 {
		t.Fatalf("expected [a b] dropped=1, got %v dropped=%d", got, plan.Dropped)
	}
}

func TestPlanMedia_VideoOnly(t *testing.T) {
	caps := Capabilities{VideoOnly: true, SingleAttachment: true, MaxAttachments: 1}

	if _, err := PlanMedia(caps, []domain.MediaItem{photo("a"), photo("b")}); !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("expected ErrUnsupportedContent for images, got %v", err)
	}
	if _, err := PlanMedia(caps, nil); !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("expected ErrUnsupportedContent for text only, got %v", err)
	}

	plan, err := PlanMedia(caps, []domain.MediaItem{video("v1"), photo("p1"), photo("p2"), photo("p3")})
	if err != nil {
		t.Fatalf("PlanMedia: %v", err)
	}
	if got := refs(plan.Media); len(got) != 1 || got[0] != "v1" || plan.Dropped != 3 {
		t.Fatalf("expected [v1] dropped=3, got %v dropped=%d", got, plan.Dropped)
	}
}

func TestPlanMedia_Album(t *testing.T) {
	media := []domain.MediaItem{photo("p1"), video("v1"), photo("p2"), photo("p3")}

	plan, err := PlanMedia(Capabilities{SupportsAlbum: true, MaxImages: 2}, media)
	if err != nil {
		t.Fatalf("PlanMedia: %v", err)
	}
	if got := refs(plan.Media); len(got) != 2 || got[0] != "p1" || got[1] != "p2" || plan.Dropped != 2 {
		t.Fatalf("images only: got %v dropped=%d", got, plan.Dropped)
	}

	plan, _ = PlanMedia(Capabilities{SupportsAlbum: true, AllowVideo: true, MaxImages: 10, MaxAttachments: 3}, media)
	if got := refs(plan.Media); len(got) != 3 || got[1] != "v1" || plan.Dropped != 1 {
		t.Fatalf("mixed album: got %v dropped=%d", got, plan.Dropped)
	}
}

func TestPlanMedia_TextOnlyAndFallbackShape(t *testing.T) {
	plan, err := PlanMedia(Capabilities{SupportsAlbum: true}, nil)
	if err != nil || len(plan.Media) != 0 || plan.Dropped != 0 {
		t.Fatalf("text only: %+v err=%v", plan, err)
	}

	plan, err = PlanMedia(Capabilities{}, []domain.MediaItem{photo("a"), video("b")})
	if err != nil || len(plan.Media) != 1 || plan.Media[0].FileRef != "a" || plan.Dropped != 1 {
		t.Fatalf("plain destination: %+v err=%v", plan, err)
	}
}
