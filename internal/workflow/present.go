package workflow

import (
	"encoding/json"
	"strings"

	"github.com/iago/health-records-back/internal/domain"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type riskRule struct {
	level    RiskLevel
	keywords []string
}

// Rules are evaluated in order; the first tier with a match wins.
var riskRules = []riskRule{
	{level: RiskHigh, keywords: []string{"high", "critical", "severe"}},
	{level: RiskMedium, keywords: []string{"elevated", "moderate", "abnormal"}},
}

// DeriveRiskLevel scans the serialized findings, keys included, for
// severity keywords.
func DeriveRiskLevel(findings domain.Findings) RiskLevel {
	encoded, err := json.Marshal(findings)
	if err != nil {
		return RiskLow
	}
	haystack := strings.ToLower(string(encoded))
	for _, rule := range riskRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(haystack, keyword) {
				return rule.level
			}
		}
	}
	return RiskLow
}

// FormatKeyFindings renders each finding as "<key>: <value>".
func FormatKeyFindings(findings domain.Findings) []string {
	lines := make([]string, 0, len(findings))
	for _, finding := range findings {
		if finding.Key == "" {
			lines = append(lines, finding.Text())
			continue
		}
		lines = append(lines, finding.Key+": "+finding.Text())
	}
	return lines
}
