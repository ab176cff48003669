package reconcile

import (
	"context"

	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
)

type imageCandidate struct {
	url  string
	desc string
}

// backfillScreenshots tops the gallery up to the minimum target from
// both payloads' image candidates, best sources first. URLs already
// in the gallery are skipped; the hard cap is never exceeded.
func (m *Merger) backfillScreenshots(ctx context.Context, a *media.Anime, primary, secondary *provider.RawRecord) error {
	count, err := m.store.CountScreenshots(ctx, a.ID)
	if err != nil {
		return err
	}
	if count >= screenshotMinTarget {
		return nil
	}

	for _, cand := range imageCandidates(primary, secondary) {
		if count >= screenshotMinTarget || count >= screenshotCap {
			break
		}
		inserted, err := m.store.AddScreenshot(ctx, a.ID, cand.url, cand.desc)
		if err != nil {
			return err
		}
		if inserted {
			count++
		}
	}

	m.logger.Debug().Int64("id", a.ID).Int("screenshots", count).Msg("Screenshot backfill done")
	return nil
}

// imageCandidates orders image URLs by usefulness: the secondary
// feed's episode stills, trailer frame, cover art and banner come
// first; the primary feed's images only round out the tail.
func imageCandidates(primary, secondary *provider.RawRecord) []imageCandidate {
	var out []imageCandidate
	seen := make(map[string]struct{})
	add := func(url, desc string) {
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		out = append(out, imageCandidate{url: url, desc: desc})
	}

	for _, r := range []*provider.RawRecord{secondary, primary} {
		if r == nil {
			continue
		}
		for _, se := range r.StreamingEpisodes {
			add(se.Thumbnail, "streaming episode")
		}
		add(r.TrailerThumbnail, "trailer")
		for _, u := range r.CoverImages {
			add(u, "cover")
		}
		add(r.BannerURL, "banner")
		for _, u := range r.GalleryImages {
			add(u, "poster")
		}
	}

	return out
}
