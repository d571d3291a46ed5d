// Package notify delivers high-risk mediation alerts to out-of-band sinks
// (JSONL file, webhook) without blocking the request path. Alerts carry text
// digests and metadata only, never patient content.
package notify

import (
	"time"

	"github.com/sakuramed/safeguard/internal/safety"
)

// Alert is one high-risk mediation event.
type Alert struct {
	ID              string             `json:"id"`
	Timestamp       time.Time          `json:"timestamp"`
	Operation       string             `json:"operation"`
	UserID          string             `json:"user_id"`
	RiskLevel       safety.RiskLevel   `json:"risk_level"`
	ActionTaken     safety.ActionTaken `json:"action_taken"`
	IssueCount      int                `json:"issue_count"`
	ConfidenceScore float64            `json:"confidence_score"`
	OriginalDigest  string             `json:"original_digest"`
	AuditEntryID    string             `json:"audit_entry_id,omitempty"`
}
