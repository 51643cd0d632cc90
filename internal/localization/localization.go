// Package localization provides the response texts of the HTTP API in the
// supported languages. Translations are JSON files named by language code
// (e.g. "en.json").
package localization

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

//go:embed locales/*.json
var embedded embed.FS

// DefaultLanguage is used when a key is missing in the requested language.
const DefaultLanguage = "en"

// Message keys.
const (
	KeyMatchFound       = "match_found"
	KeySearching        = "searching"
	KeySearchCancelled  = "search_cancelled"
	KeyNotSearching     = "not_searching"
	KeyKeepUpdated      = "keep_updated"
	KeyConversationEnd  = "conversation_ended"
	KeyNotFound         = "conversation_not_found"
	KeyInvalidRequest   = "invalid_request"
	KeyInternalError    = "internal_error"
	KeyConversationInfo = "conversation_info"
	KeyUnauthorized     = "unauthorized"
	KeyProfileCreated   = "profile_created"
)

// Localizer manages the translations for the application.
type Localizer struct {
	translations map[string]map[string]string
	mu           sync.RWMutex

	// supported[i] is the code the matcher reports as index i.
	supported []string
	matcher   language.Matcher
}

// New loads the embedded translations.
func New() (*Localizer, error) {
	sub, err := fs.Sub(embedded, "locales")
	if err != nil {
		return nil, err
	}
	return NewLocalizer(sub)
}

// NewLocalizer loads every *.json file at the root of fsys.
func NewLocalizer(fsys fs.FS) (*Localizer, error) {
	l := &Localizer{
		translations: make(map[string]map[string]string),
	}

	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read localization directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		lang := strings.TrimSuffix(file.Name(), ".json")
		data, err := fs.ReadFile(fsys, path.Join(".", file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read localization file %s: %w", file.Name(), err)
		}

		var translations map[string]string
		if err := json.Unmarshal(data, &translations); err != nil {
			return nil, fmt.Errorf("failed to parse localization file %s: %w", file.Name(), err)
		}

		l.translations[lang] = translations
	}

	if err := l.buildMatcher(); err != nil {
		return nil, err
	}
	return l, nil
}

// buildMatcher prepares Accept-Language negotiation over the loaded
// languages. DefaultLanguage comes first so it wins ties.
func (l *Localizer) buildMatcher() error {
	l.supported = []string{DefaultLanguage}
	for lang := range l.translations {
		if lang != DefaultLanguage {
			l.supported = append(l.supported, lang)
		}
	}
	slices.Sort(l.supported[1:])

	tags := make([]language.Tag, 0, len(l.supported))
	for _, code := range l.supported {
		tag, err := language.Parse(code)
		if err != nil {
			return fmt.Errorf("invalid localization language %q: %w", code, err)
		}
		tags = append(tags, tag)
	}
	l.matcher = language.NewMatcher(tags)
	return nil
}

// GetString returns the localized string for a given key and language.
// If the language or the key is not found, it returns the key itself as a fallback.
func (l *Localizer) GetString(lang, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if langTranslations, ok := l.translations[lang]; ok {
		if value, ok := langTranslations[key]; ok {
			return value
		}
	}

	if lang != DefaultLanguage {
		if enTranslations, ok := l.translations[DefaultLanguage]; ok {
			if value, ok := enTranslations[key]; ok {
				return value
			}
		}
	}

	return key
}

// Language negotiates the best supported language for an Accept-Language
// header value, honouring q weights. Unparseable or unmatched headers get
// DefaultLanguage.
func (l *Localizer) Language(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return DefaultLanguage
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, idx, conf := l.matcher.Match(tags...)
	if conf == language.No || idx < 0 || idx >= len(l.supported) {
		return DefaultLanguage
	}
	return l.supported[idx]
}
