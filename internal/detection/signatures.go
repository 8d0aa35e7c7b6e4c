// Package detection provides the signature rules engine and the detector
// that composes parsing, signatures and the statistical classifier into a
// single verdict per log line.
package detection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

// Rule is one signature category: a deterministic condition plus the
// severity and confidence it assigns when it fires.
type Rule struct {
	ID         string
	Category   string
	Severity   types.Severity
	Confidence float64
	// Condition reports whether the rule fires and the attack type label.
	Condition func(rec *types.LogRecord) (string, bool)
}

// Match is the outcome of a fired rule.
type Match struct {
	RuleID     string
	Category   string
	Severity   types.Severity
	AttackType string
	Confidence float64
}

// Signatures evaluates ordered rule categories per domain. The first rule
// that fires wins; later rules are not evaluated.
type Signatures struct {
	rules map[types.Domain][]*Rule
}

// NewSignatures creates an engine with the default rule set.
func NewSignatures() *Signatures {
	return &Signatures{rules: map[types.Domain][]*Rule{
		types.DomainWeb:   httpRules("WEB", 0.95),
		types.DomainEmail: append(httpRules("EMAIL", 0.90), emailRules()...),
		types.DomainDB:    dbRules(),
	}}
}

// Match runs the domain's rules against the record in order.
func (s *Signatures) Match(rec *types.LogRecord) (Match, bool) {
	if rec == nil {
		return Match{}, false
	}
	for _, rule := range s.rules[rec.Domain] {
		if attackType, ok := rule.Condition(rec); ok {
			return Match{
				RuleID:     rule.ID,
				Category:   rule.Category,
				Severity:   rule.Severity,
				AttackType: attackType,
				Confidence: rule.Confidence,
			}, true
		}
	}
	return Match{}, false
}

// Rules returns the ordered rules of a domain (read-only).
func (s *Signatures) Rules(domain types.Domain) []*Rule {
	return s.rules[domain]
}

var (
	commandTokens   = []string{"admin", "cmd=", "whoami", "shell", "exec", "system", "config", "test", "debug", "api/admin"}
	traversalTokens = []string{"..", "%2e%2e", "..%2f", "%252e%252e"}
	scriptTokens    = []string{"<script", "javascript:", "%3cscript", "<iframe"}
	urlSQLiTokens   = []string{"' or '", "or 1=1", "or+1=1", "%20or%20", "union select", "union+select", "exec(", "drop ", "drop+", "insert ", "insert+", "update ", "update+"}
	attackToolUAs   = []string{"sqlmap", "curl", "wget", "nikto", "nmap", "burp", "havij"}

	phishingTokens = []string{
		"verify", "confirm", "urgent", "action+required", "action%20required",
		"update+account", "update%20account", "click+here", "click%20here",
		"login+required", "login%20required", "verify+identity", "verify%20identity",
		"confirm+identity", "confirm%20identity", "unusual+activity", "unusual%20activity",
		"suspend", "expire", "locked", "disable", "compromised",
	}
	spamTokens = []string{
		"viagra", "casino", "lottery", "prize", "click+link", "click%20link",
		"open+attachment", "open%20attachment", "download", "free+money",
		"free%20money", "congrats", "winner", "claim+reward", "claim%20reward",
	}
	dangerousTokens = []string{
		".exe", ".bat", ".cmd", ".scr", ".vbs", ".js", ".zip", ".rar",
		"malware", "trojan", "ransomware", "exploit", "backdoor",
	}
	automationUAs = []string{"curl", "wget", "python", "java", "powershell", "bash", "perl", "ruby", "node", "scrapy", "bot", "exploit"}

	sqliLiterals = []string{
		"' or '1'='1", "' or 1=1", "' or 'a'='a", "admin' --", "' --",
		"'; drop", "'; delete", "'; exec", "'; execute",
		"union select", "union all", "exec(", "execute(", "script>", "<script",
	}
	stackedKeywords = wordPatterns("delete", "drop", "truncate", "insert", "update", "exec", "execute")
	// Substrings, not words: identifiers such as x_drop or truncated_at still count.
	destructiveTokens = []string{"drop table", "drop database", "drop schema", "truncate"}
)

type wordPattern struct {
	word string
	re   *regexp.Regexp
}

func wordPatterns(words ...string) []wordPattern {
	out := make([]wordPattern, 0, len(words))
	for _, w := range words {
		out = append(out, wordPattern{word: w, re: regexp.MustCompile(`\b` + w + `\b`)})
	}
	return out
}

func httpRules(prefix string, confidence float64) []*Rule {
	return []*Rule{
		{
			ID:         prefix + "-001",
			Category:   "command_access",
			Severity:   types.SeverityHigh,
			Confidence: confidence,
			Condition:  urlContains(commandTokens, "Admin/command access detected"),
		},
		{
			ID:         prefix + "-002",
			Category:   "path_traversal",
			Severity:   types.SeverityHigh,
			Confidence: confidence,
			Condition:  urlContains(traversalTokens, "Path traversal attempt"),
		},
		{
			ID:         prefix + "-003",
			Category:   "script_injection",
			Severity:   types.SeverityHigh,
			Confidence: confidence,
			Condition:  urlContains(scriptTokens, "Script injection attempt"),
		},
		{
			ID:         prefix + "-004",
			Category:   "sql_injection",
			Severity:   types.SeverityHigh,
			Confidence: confidence,
			Condition:  urlContains(urlSQLiTokens, "SQL injection pattern detected"),
		},
		{
			ID:         prefix + "-005",
			Category:   "attack_tool",
			Severity:   types.SeverityHigh,
			Confidence: confidence,
			Condition:  userAgentContains(attackToolUAs, "Suspicious tool: "),
		},
	}
}

func emailRules() []*Rule {
	return []*Rule{
		{
			ID:         "EMAIL-101",
			Category:   "phishing",
			Severity:   types.SeverityHigh,
			Confidence: 0.90,
			Condition:  urlContains(phishingTokens, "Phishing email pattern detected"),
		},
		{
			ID:         "EMAIL-102",
			Category:   "spam",
			Severity:   types.SeverityMedium,
			Confidence: 0.90,
			Condition:  urlContains(spamTokens, "Spam/Malware email pattern detected"),
		},
		{
			ID:         "EMAIL-103",
			Category:   "dangerous_payload",
			Severity:   types.SeverityCritical,
			Confidence: 0.90,
			Condition:  urlContains(dangerousTokens, "Dangerous file/payload pattern detected"),
		},
		{
			ID:         "EMAIL-104",
			Category:   "automation_client",
			Severity:   types.SeverityHigh,
			Confidence: 0.90,
			Condition:  userAgentContains(automationUAs, "Suspicious email client: "),
		},
	}
}

func dbRules() []*Rule {
	return []*Rule{
		{
			ID:         "DB-001",
			Category:   "sql_injection",
			Severity:   types.SeverityCritical,
			Confidence: 0.95,
			Condition: func(rec *types.LogRecord) (string, bool) {
				if containsAny(strings.ToLower(rec.Query), sqliLiterals) {
					return "SQL Injection detected", true
				}
				return "", false
			},
		},
		{
			ID:         "DB-002",
			Category:   "stacked_query",
			Severity:   types.SeverityCritical,
			Confidence: 0.95,
			Condition:  stackedQuery,
		},
		{
			ID:         "DB-003",
			Category:   "destructive_operation",
			Severity:   types.SeverityCritical,
			Confidence: 0.95,
			Condition: func(rec *types.LogRecord) (string, bool) {
				if containsAny(strings.ToLower(rec.Query), destructiveTokens) {
					return "Dangerous operation detected (DROP/TRUNCATE)", true
				}
				return "", false
			},
		},
	}
}

// stackedQuery fires on a multi-statement query where any statement carries
// a destructive keyword. Keywords are tried in order so the reported keyword
// is stable.
func stackedQuery(rec *types.LogRecord) (string, bool) {
	statements := nonEmptyStatements(strings.ToLower(rec.Query))
	if len(statements) < 2 {
		return "", false
	}
	for _, kw := range stackedKeywords {
		for _, stmt := range statements {
			if kw.re.MatchString(stmt) {
				return fmt.Sprintf("Stacked query with %s detected", strings.ToUpper(kw.word)), true
			}
		}
	}
	return "", false
}

func nonEmptyStatements(query string) []string {
	var out []string
	for _, part := range strings.Split(query, ";") {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "--") || strings.HasPrefix(part, "#") {
			continue
		}
		out = append(out, part)
	}
	return out
}

func urlContains(tokens []string, attackType string) func(*types.LogRecord) (string, bool) {
	return func(rec *types.LogRecord) (string, bool) {
		if containsAny(strings.ToLower(rec.URL), tokens) {
			return attackType, true
		}
		return "", false
	}
}

func userAgentContains(tokens []string, prefix string) func(*types.LogRecord) (string, bool) {
	return func(rec *types.LogRecord) (string, bool) {
		if containsAny(strings.ToLower(rec.UserAgent), tokens) {
			return prefix + rec.UserAgent, true
		}
		return "", false
	}
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
