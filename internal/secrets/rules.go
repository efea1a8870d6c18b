package secrets

// DefaultRules returns the stock detection rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "aws-access-key-id",
			Pattern:  `\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`,
			Severity: "high",
		},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords: []string{"secret"},
			Severity: "high",
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`,
			Keywords: []string{"api"},
			Severity: "high",
		},
		{
			ID:       "generic-secret",
			Pattern:  `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"secret", "password", "passwd", "pwd"},
			Severity: "medium",
		},
		{
			ID:       "private-key",
			Pattern:  `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
			Severity: "high",
		},
		{
			ID:       "github-token",
			Pattern:  `\b(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}\b|\bgithub_pat_[A-Za-z0-9_]{22,}`,
			Severity: "high",
		},
		{
			ID:       "gitlab-token",
			Pattern:  `\bglpat-[A-Za-z0-9\-]{20,}`,
			Severity: "high",
		},
		{
			ID:       "slack-token",
			Pattern:  `\bxox[baprs]-[A-Za-z0-9\-]{10,}`,
			Severity: "high",
		},
		{
			ID:       "stripe-key",
			Pattern:  `\b(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`,
			Severity: "high",
		},
		{
			ID:       "database-url",
			Pattern:  `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/]+:[^@\s]+@[^\s'"]+`,
			Severity: "high",
		},
		{
			ID:       "jwt",
			Pattern:  `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`,
			Severity: "medium",
		},
		{
			ID:       "google-api-key",
			Pattern:  `\bAIza[A-Za-z0-9_\-]{35}`,
			Severity: "high",
		},
		{
			ID:       "llm-api-key",
			Pattern:  `\bsk-(?:ant-|proj-)?[A-Za-z0-9_\-]{40,}`,
			Severity: "high",
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Keywords: []string{"bearer"},
			Severity: "medium",
		},
	}
}
