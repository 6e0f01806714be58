package automation

// NewLeadEmailData feeds templates/new_lead.html.
type NewLeadEmailData struct {
	Name       string
	Company    string
	Email      string
	Phone      string
	Source     string
	TenantID   string
	ExternalID string
	ReceivedAt string
}

// Automation stages written to the local-only automationStage field.
const (
	StageSalesNotified = "sales_notified"
	StageLeadUpdated   = "lead_updated"
)
