package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

// ErrUnknownAttack is returned for an attack type outside the catalogue.
var ErrUnknownAttack = errors.New("unknown attack type")

// Attack is a canned set of malicious payloads for one domain.
type Attack struct {
	Domain   types.Domain
	Payloads []string
}

var attacks = map[string]Attack{
	"sql_injection": {
		Domain: types.DomainDB,
		Payloads: []string{
			"SELECT * FROM users WHERE username='admin' OR '1'='1'",
			"SELECT * FROM users; DROP TABLE users;--",
			"SELECT * FROM users WHERE id=1 UNION SELECT NULL,NULL,NULL",
			"UPDATE users SET password='hacked' WHERE id=1",
			"DELETE FROM users WHERE username LIKE 'a%'",
		},
	},
	"xss": {
		Domain: types.DomainWeb,
		Payloads: []string{
			"/search?q=<script>alert('xss')</script>",
			"/profile?name=<img src=x onerror=alert('xss')>",
			"/?redirect=javascript:alert('xss')",
			"/api/comment?text=<svg onload=alert('xss')>",
		},
	},
	"brute_force": {
		Domain: types.DomainWeb,
		Payloads: []string{
			"/login?user=admin&pass=123456",
			"/login?user=admin&pass=password",
			"/login?user=root&pass=root",
		},
	},
	"path_traversal": {
		Domain: types.DomainWeb,
		Payloads: []string{
			"/files?path=../../etc/passwd",
			"/download?file=../../../../windows/system32/config/sam",
			"/api/config?id=../../secrets.env",
		},
	},
}

// AttackTypes lists the catalogue keys in sorted order.
func AttackTypes() []string {
	out := make([]string, 0, len(attacks))
	for k := range attacks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LookupAttack returns the catalogue entry for attackType.
func LookupAttack(attackType string) (Attack, error) {
	a, ok := attacks[attackType]
	if !ok {
		return Attack{}, fmt.Errorf("%w: %q", ErrUnknownAttack, attackType)
	}
	return a, nil
}

// Lines renders the payloads as canonical log lines of the attack domain.
// Database payloads are query log entries; web payloads are access log
// entries from a fixed documentation address, spaces escaped.
func (a Attack) Lines(now time.Time) []string {
	ts := now.UTC().Format("02/Jan/2006:15:04:05 -0700")
	lines := make([]string, 0, len(a.Payloads))
	for _, p := range a.Payloads {
		if a.Domain == types.DomainDB {
			lines = append(lines, fmt.Sprintf("%s\t   1 Query\t%s", now.UTC().Format(time.RFC3339Nano), p))
			continue
		}
		method, status := "GET", 200
		if strings.HasPrefix(p, "/login") {
			method, status = "POST", 401
		}
		lines = append(lines, fmt.Sprintf(`192.0.2.10 - - [%s] "%s %s HTTP/1.1" %d 512 "-" "Mozilla/5.0"`, ts, method, strings.ReplaceAll(p, " ", "%20"), status))
	}
	return lines
}

// SimulationResult reports what a simulated attack produced.
type SimulationResult struct {
	AttackType string       `json:"attack_type"`
	Domain     types.Domain `json:"target"`
	Lines      []string     `json:"simulations"`
	Count      int          `json:"count"`
	BulkResult
}

// Simulate feeds the payloads of attackType through BulkAnalyze.
func (c *Controller) Simulate(ctx context.Context, attackType string) (*SimulationResult, error) {
	attack, err := LookupAttack(attackType)
	if err != nil {
		return nil, err
	}
	lines := attack.Lines(time.Now())
	res, err := c.BulkAnalyze(ctx, attack.Domain, lines)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"attack_type": attackType,
		"payloads":    len(lines),
		"alerts":      res.AlertsDetected,
	}).Info("Simulated attack")
	return &SimulationResult{
		AttackType: attackType,
		Domain:     attack.Domain,
		Lines:      lines,
		Count:      len(lines),
		BulkResult: *res,
	}, nil
}
