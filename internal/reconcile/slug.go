package reconcile

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// maxSlugLen bounds a slug before the collision suffix is applied.
const maxSlugLen = 250

// slugify lowercases the title and collapses everything that is not a
// letter or digit into single hyphens. Unicode letters survive, so
// Cyrillic titles slug as-is.
func slugify(title string) string {
	var sb strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			sb.WriteRune('-')
			lastHyphen = true
		}
	}

	slug := strings.Trim(sb.String(), "-")
	runes := []rune(slug)
	if len(runes) > maxSlugLen {
		slug = strings.Trim(string(runes[:maxSlugLen]), "-")
	}
	return slug
}

// slugChecker reports whether a slug is taken by another record.
type slugChecker interface {
	SlugExists(ctx context.Context, slug string, excludeID int64) (bool, error)
}

// uniqueSlug derives a slug from the title and disambiguates
// collisions with a numeric suffix. excludeID lets a record keep its
// own slug across merges.
func uniqueSlug(ctx context.Context, store slugChecker, title string, excludeID int64) (string, error) {
	base := slugify(title)
	if base == "" {
		base = "untitled"
	}

	slug := base
	for i := 2; ; i++ {
		taken, err := store.SlugExists(ctx, slug, excludeID)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}
