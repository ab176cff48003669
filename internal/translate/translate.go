// Package translate localizes titles and synopses through an ordered
// chain of translation backends. Translation is best-effort: when
// every backend fails the original text passes through unchanged.
package translate

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// ErrNoBackends is returned by NewService when the chain is empty.
var ErrNoBackends = errors.New("no translation backends configured")

// Backend translates text between two languages. sourceLang may be
// "auto" when the caller does not know the source.
type Backend interface {
	Name() string
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Service runs the backend chain in order and falls back to the
// untranslated input when the whole chain fails.
type Service struct {
	backends   []Backend
	targetLang string
	logger     zerolog.Logger
}

// NewService creates a translation service over an ordered backend
// chain.
func NewService(backends []Backend, targetLang string, logger zerolog.Logger) (*Service, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	return &Service{
		backends:   backends,
		targetLang: targetLang,
		logger:     logger.With().Str("component", "translate").Logger(),
	}, nil
}

// TargetLang returns the configured localization target.
func (s *Service) TargetLang() string {
	return s.targetLang
}

// Translate localizes text into the target language. Empty input
// yields empty output; failure of every backend yields the input.
func (s *Service) Translate(ctx context.Context, text, sourceLang string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if sourceLang == "" {
		sourceLang = "auto"
	}
	if sourceLang == s.targetLang {
		return text
	}

	for _, b := range s.backends {
		out, err := b.Translate(ctx, text, sourceLang, s.targetLang)
		if err != nil {
			s.logger.Debug().Err(err).Str("backend", b.Name()).Msg("Translation backend failed")
			continue
		}
		if strings.TrimSpace(out) == "" {
			continue
		}
		return out
	}

	s.logger.Warn().Str("target", s.targetLang).Msg("All translation backends failed, passing text through")
	return text
}

// DetectLanguage guesses the language of text from its script. It is
// a coarse fallback, good enough to pick the translation source.
func DetectLanguage(text string) string {
	var cjk, kana, hangul, cyrillic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			cjk++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.IsLetter(r):
			latin++
		}
	}

	switch {
	case kana > 0:
		return "ja"
	case hangul > 0:
		return "ko"
	case cjk > 0:
		// Han without kana could be Chinese, but anime titles in pure
		// kanji are still Japanese far more often.
		return "ja"
	case cyrillic > latin:
		return "uk"
	default:
		return "en"
	}
}
