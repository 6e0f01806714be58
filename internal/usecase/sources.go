package usecase

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultSourceTag is used for source identifiers missing from the table.
const DefaultSourceTag = "Other"

var defaultSourceTags = map[string]string{
	"web":          "Website",
	"website":      "Website",
	"landing_page": "Website",
	"facebook":     "Facebook",
	"fb":           "Facebook",
	"meta":         "Facebook",
	"instagram":    "Instagram",
	"ig":           "Instagram",
	"google":       "Google Ads",
	"google_ads":   "Google Ads",
	"adwords":      "Google Ads",
	"linkedin":     "LinkedIn",
	"99acres":      "99acres",
	"magicbricks":  "MagicBricks",
	"housing":      "Housing.com",
	"referral":     "Referral",
	"walk_in":      "Walk-in",
	"walkin":       "Walk-in",
	"whatsapp":     "WhatsApp",
	"voice_ai":     "AI Call",
	"elevenlabs":   "AI Call",
	"cold_call":    "Cold Call",
	"trade_show":   "Trade Show",
	"email":        "Email Campaign",
}

// SourceTags maps external source identifiers to canonical source tags.
type SourceTags struct {
	tags     map[string]string
	fallback string
}

func NewSourceTags() *SourceTags {
	t := &SourceTags{tags: make(map[string]string, len(defaultSourceTags)), fallback: DefaultSourceTag}
	for k, v := range defaultSourceTags {
		t.tags[k] = v
	}
	return t
}

type sourceFile struct {
	Default string            `toml:"default"`
	Sources map[string]string `toml:"sources"`
}

// LoadSourceTags extends the built-in table with a TOML file of the form
//
//	default = "Other"
//	[sources]
//	nobroker = "NoBroker"
func LoadSourceTags(path string) (*SourceTags, error) {
	t := NewSourceTags()
	if path == "" {
		return t, nil
	}
	var f sourceFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode source tags %s: %w", path, err)
	}
	if f.Default != "" {
		t.fallback = f.Default
	}
	for k, v := range f.Sources {
		t.tags[sourceKey(k)] = v
	}
	return t, nil
}

// Lookup never fails: unknown identifiers map to the fallback tag.
func (t *SourceTags) Lookup(source string) string {
	if tag, ok := t.tags[sourceKey(source)]; ok {
		return tag
	}
	return t.fallback
}

func sourceKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}
