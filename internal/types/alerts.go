package types

import (
	"strings"
	"time"
)

// Severity of an alert.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Detector names which tier produced an alert.
const (
	DetectorSignature  = "signature"
	DetectorClassifier = "classifier"
)

// StatusActive is the status of every newly raised alert.
const StatusActive = "active"

// MaxPayloadLen bounds the payload copied into an alert.
const MaxPayloadLen = 200

// Alert is a verdict raised by the detection pipeline. ID is assigned by the
// alert store on append; it is zero until then.
type Alert struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Domain     Domain    `json:"domain"`
	AlertType  string    `json:"alert_type"`
	Severity   Severity  `json:"severity"`
	SourceIP   string    `json:"source_ip"`
	AttackType string    `json:"attack_type"`
	Payload    string    `json:"payload"`
	UserAgent  string    `json:"user_agent"`
	Confidence float64   `json:"confidence"`
	Status     string    `json:"status"`
	Detector   string    `json:"detector"`
}

// Clone returns a copy of the alert.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Filter selects alerts from the store. Zero values match everything; a
// Limit <= 0 means no limit.
type Filter struct {
	Type     string
	Severity string
	Limit    int
}

// Matches reports whether the alert passes the type and severity filters.
// Type matches either the alert_type label or the domain tag.
func (f Filter) Matches(a *Alert) bool {
	if f.Type != "" && !strings.EqualFold(f.Type, a.AlertType) && !strings.EqualFold(f.Type, string(a.Domain)) {
		return false
	}
	if f.Severity != "" && !strings.EqualFold(f.Severity, string(a.Severity)) {
		return false
	}
	return true
}

// Statistics summarizes the current content of the alert store.
type Statistics struct {
	Total        int             `json:"total_alerts"`
	ByType       map[string]int  `json:"alert_types"`
	BySeverity   map[string]int  `json:"severity_distribution"`
	LastAlert    *Alert          `json:"last_alert"`
	ModelsLoaded map[Domain]bool `json:"models_loaded,omitempty"`
}

// TruncatePayload cuts s to MaxPayloadLen bytes without splitting a rune.
func TruncatePayload(s string) string {
	if len(s) <= MaxPayloadLen {
		return s
	}
	cut := MaxPayloadLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
