package zoho

import (
	"strconv"
	"strings"

	"github.com/xavierca1/leadsync/internal/entity"
)

// TenantConfig is the OAuth client and API location of one tenant's Zoho org.
type TenantConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	APIURL       string // e.g. https://www.zohoapis.com/crm/v2
	AccountsURL  string // e.g. https://accounts.zoho.com
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	APIDomain   string `json:"api_domain"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
}

// recordsEnvelope is the {"data": [...]} shape of every Leads response.
type recordsEnvelope struct {
	Data []map[string]any `json:"data"`
}

type writeRequest struct {
	Data    []map[string]any `json:"data"`
	Trigger []string         `json:"trigger,omitempty"`
}

type writeResult struct {
	Code    string `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Details struct {
		ID string `json:"id"`
	} `json:"details"`
}

type writeResponse struct {
	Data []writeResult `json:"data"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var apiFields = map[entity.Field]string{
	entity.FieldEmail:     "Email",
	entity.FieldPhone:     "Phone",
	entity.FieldCompany:   "Company",
	entity.FieldSourceTag: "Lead_Source",
	entity.FieldStatus:    "Lead_Status",
}

var apiExtras = map[string]string{
	"street":          "Street",
	"city":            "City",
	"state":           "State",
	"zip_code":        "Zip_Code",
	"country":         "Country",
	"industry":        "Industry",
	"annual_revenue":  "Annual_Revenue",
	"revenue_class":   "Revenue_Class",
	"no_of_employees": "No_of_Employees",
	"website":         "Website",
}

// searchFields maps a dedup search to the Leads field used in criteria.
var searchFields = map[entity.SearchField]string{
	entity.SearchEmail:  "Email",
	entity.SearchPhone:  "Phone",
	entity.SearchMobile: "Mobile",
}

// toRecord converts a write into a Leads record. Last_Name is mandatory in
// Zoho, so a single-word name goes there.
func toRecord(w entity.ExternalWrite) map[string]any {
	rec := map[string]any{}
	if name, ok := w.Fields[entity.FieldName]; ok && name != "" {
		parts := strings.SplitN(strings.TrimSpace(name), " ", 2)
		if len(parts) == 2 {
			rec["First_Name"] = parts[0]
			rec["Last_Name"] = parts[1]
		} else {
			rec["Last_Name"] = parts[0]
		}
	}
	for f, v := range w.Fields {
		if api, ok := apiFields[f]; ok && v != "" {
			rec[api] = v
		}
	}
	for k, v := range w.Extra {
		api, ok := apiExtras[k]
		if !ok || v == "" {
			continue
		}
		switch k {
		case "annual_revenue":
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				rec[api] = n
				continue
			}
		case "no_of_employees":
			if n, err := strconv.Atoi(v); err == nil {
				rec[api] = n
				continue
			}
		}
		rec[api] = v
	}
	return rec
}

func fromRecord(rec map[string]any) *entity.ExternalLead {
	first, last := str(rec["First_Name"]), str(rec["Last_Name"])
	name := strings.TrimSpace(first + " " + last)
	if full := str(rec["Full_Name"]); name == "" && full != "" {
		name = full
	}

	l := &entity.ExternalLead{
		ID:        str(rec["id"]),
		Name:      name,
		Email:     str(rec["Email"]),
		Phone:     str(rec["Phone"]),
		Mobile:    str(rec["Mobile"]),
		Company:   str(rec["Company"]),
		SourceTag: str(rec["Lead_Source"]),
		Status:    str(rec["Lead_Status"]),
	}
	for key, api := range apiExtras {
		if v := str(rec[api]); v != "" {
			if l.Extra == nil {
				l.Extra = map[string]string{}
			}
			l.Extra[key] = v
		}
	}
	return l
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// criteriaValue escapes the characters that are syntax in a search criteria.
func criteriaValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`, ",", `\,`)
	return r.Replace(v)
}
