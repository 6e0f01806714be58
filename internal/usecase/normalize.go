package usecase

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xavierca1/leadsync/internal/entity"
)

// extraWhitelist lists the address, industry and revenue-class keys copied
// from IngestLeadInput.Extra. Anything else is dropped.
var extraWhitelist = map[string]bool{
	"street":          true,
	"city":            true,
	"state":           true,
	"zip_code":        true,
	"country":         true,
	"industry":        true,
	"annual_revenue":  true,
	"revenue_class":   true,
	"no_of_employees": true,
	"website":         true,
}

// Normalizer turns raw third-party input into a canonical lead. It performs no I/O.
type Normalizer struct {
	Sources *SourceTags
}

func NewNormalizer(sources *SourceTags) *Normalizer {
	if sources == nil {
		sources = NewSourceTags()
	}
	return &Normalizer{Sources: sources}
}

// Normalize returns a lead without identifiers, or a DomainError wrapping the
// ValidationError that rejected it.
func (n *Normalizer) Normalize(input IngestLeadInput) (*entity.Lead, error) {
	name, err := normalizeName(input.Name)
	if err != nil {
		return nil, normalizationFailed(err)
	}

	lead := &entity.Lead{
		Name:      name,
		Email:     normalizeEmail(input.Email),
		Phone:     normalizePhone(input.Phone),
		Company:   strings.TrimSpace(input.Company),
		SourceTag: n.Sources.Lookup(input.Source),
	}
	if lead.Email == "" && lead.Phone == "" {
		return nil, normalizationFailed(ValidationError{"contact", "a valid email or phone is required"})
	}

	for k, v := range input.Extra {
		key := strings.ToLower(strings.TrimSpace(k))
		if !extraWhitelist[key] || v == nil {
			continue
		}
		s := stringify(v)
		if s == "" {
			continue
		}
		if lead.Extra == nil {
			lead.Extra = make(map[string]string)
		}
		lead.Extra[key] = s
	}
	return lead, nil
}

func normalizationFailed(err error) error {
	return &DomainError{Code: CodeNormalizationFailed, Message: err.Error(), Err: err}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
