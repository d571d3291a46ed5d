// Package audit persists an append-only, hash-chained record of every
// mediation decision. Entries bind SHA-256 digests of the texts rather than
// the texts themselves, so the log itself never stores patient data.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sakuramed/safeguard/internal/safety"
)

// Entry is one immutable audit record. AuditHash covers every field above it
// plus PreviousHash, which links the chain.
type Entry struct {
	ID               string             `json:"id"`
	Seq              int64              `json:"seq"`
	Timestamp        time.Time          `json:"timestamp"`
	UserID           string             `json:"user_id"`
	Operation        string             `json:"operation"`
	RiskLevel        safety.RiskLevel   `json:"risk_level"`
	ActionTaken      safety.ActionTaken `json:"action_taken"`
	IssuesDetected   []safety.Issue     `json:"issues_detected"`
	ConfidenceScore  float64            `json:"confidence_score"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
	OriginalDigest   string             `json:"original_digest"`
	ProcessedDigest  string             `json:"processed_digest"`
	PreviousHash     string             `json:"previous_hash"`
	AuditHash        string             `json:"audit_hash"`
}

// TextDigest returns the hex SHA-256 of a text payload, the form in which
// original and processed content enter the log.
func TextDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ComputeHash fills PreviousHash and AuditHash. Hash input is a deterministic
// JSON object with fixed key order, so independent verifiers reproduce it
// byte for byte.
func (e *Entry) ComputeHash(previousHash string) (string, error) {
	e.PreviousHash = previousHash

	hashData := struct {
		ID               string  `json:"id"`
		Seq              int64   `json:"seq"`
		TimestampNano    int64   `json:"timestamp_nano"`
		UserID           string  `json:"user_id"`
		Operation        string  `json:"operation"`
		RiskLevel        string  `json:"risk_level"`
		ActionTaken      string  `json:"action_taken"`
		IssueCount       int     `json:"issue_count"`
		ConfidenceScore  float64 `json:"confidence_score"`
		ProcessingTimeMs int64   `json:"processing_time_ms"`
		OriginalDigest   string  `json:"original_digest"`
		ProcessedDigest  string  `json:"processed_digest"`
		PreviousHash     string  `json:"previous_hash"`
	}{
		ID:               e.ID,
		Seq:              e.Seq,
		TimestampNano:    e.Timestamp.UnixNano(),
		UserID:           e.UserID,
		Operation:        e.Operation,
		RiskLevel:        string(e.RiskLevel),
		ActionTaken:      string(e.ActionTaken),
		IssueCount:       len(e.IssuesDetected),
		ConfidenceScore:  e.ConfidenceScore,
		ProcessingTimeMs: e.ProcessingTimeMs,
		OriginalDigest:   e.OriginalDigest,
		ProcessedDigest:  e.ProcessedDigest,
		PreviousHash:     e.PreviousHash,
	}

	raw, err := json.Marshal(hashData)
	if err != nil {
		return "", fmt.Errorf("marshaling hash input: %w", err)
	}
	sum := sha256.Sum256(raw)
	e.AuditHash = hex.EncodeToString(sum[:])
	return e.AuditHash, nil
}

// GenesisHash derives the chain's first previous_hash from the deployment
// anchor string.
func GenesisHash(anchor string) string {
	sum := sha256.Sum256([]byte("genesis:" + anchor))
	return hex.EncodeToString(sum[:])
}
