package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Rule is one detection pattern.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`
	// Keywords, when set, gate the rule: at least one must occur
	// (case-insensitively) in the text before the pattern runs.
	Keywords []string `koanf:"keywords"`
	Severity string   `koanf:"severity"`
}

// Config configures a Scrubber.
type Config struct {
	Rules     []Rule   `koanf:"rules"`
	Redaction string   `koanf:"redaction"`
	AllowList []string `koanf:"allow_list"`
	// Gitleaks adds the gitleaks default rule set on top of Rules.
	Gitleaks bool `koanf:"gitleaks"`
}

// DefaultConfig returns the gitleaks rule set, the stock rules and the
// redaction marker.
func DefaultConfig() *Config {
	return &Config{
		Rules:     DefaultRules(),
		Redaction: "[REDACTED]",
		Gitleaks:  true,
	}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords *regexp.Regexp
}

// Result summarizes one scrub.
type Result struct {
	// ByRule counts matches per rule ID. The matched text is never kept.
	ByRule map[string]int
	Total  int
}

func (r *Result) add(o Result) {
	for id, n := range o.ByRule {
		if r.ByRule == nil {
			r.ByRule = make(map[string]int)
		}
		r.ByRule[id] += n
	}
	r.Total += o.Total
}

// RuleIDs returns the matched rule IDs, sorted.
func (r Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scrubber redacts rule matches. It is safe for concurrent use.
type Scrubber struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string

	// detector is nil unless Config.Gitleaks is set. Detector keeps
	// per-scan state, so scans are serialized.
	detectMu sync.Mutex
	detector *detect.Detector
}

// New compiles cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Scrubber{redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = "[REDACTED]"
	}

	for i, rule := range cfg.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		c := compiledRule{id: rule.ID, pattern: pattern}
		if len(rule.Keywords) > 0 {
			quoted := make([]string, len(rule.Keywords))
			for j, kw := range rule.Keywords {
				quoted[j] = regexp.QuoteMeta(kw)
			}
			c.keywords = regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
		}
		s.rules = append(s.rules, c)
	}

	for i, pattern := range cfg.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}

	if cfg.Gitleaks {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("loading gitleaks rules: %w", err)
		}
		s.detector = detector
	}
	return s, nil
}

type span struct{ start, end int }

// Scrub returns text with every match replaced by the redaction marker.
func (s *Scrubber) Scrub(text string) (string, Result) {
	var (
		spans []span
		res   Result
	)
	for _, rule := range s.rules {
		if rule.keywords != nil && !rule.keywords.MatchString(text) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			if res.ByRule == nil {
				res.ByRule = make(map[string]int)
			}
			res.ByRule[rule.id]++
			res.Total++
		}
	}
	spans = s.detect(text, spans, &res)
	if len(spans) == 0 {
		return text, res
	}

	// Overlapping matches from different rules collapse into one marker.
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]byte, 0, len(text))
	prev := 0
	for _, sp := range merged {
		out = append(out, text[prev:sp.start]...)
		out = append(out, s.redaction...)
		prev = sp.end
	}
	out = append(out, text[prev:]...)
	return string(out), res
}

// ScrubValue scrubs every string inside a JSON-shaped value: strings, maps
// with string keys and slices, nested arbitrarily. Other values pass
// through. Containers are copied only when something inside changed.
func (s *Scrubber) ScrubValue(v any) (any, Result) {
	switch t := v.(type) {
	case string:
		out, res := s.Scrub(t)
		return out, res
	case map[string]any:
		var (
			res Result
			out map[string]any
		)
		for k, item := range t {
			scrubbed, r := s.ScrubValue(item)
			if r.Total == 0 {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(t))
				for k2, v2 := range t {
					out[k2] = v2
				}
			}
			out[k] = scrubbed
			res.add(r)
		}
		if out == nil {
			return v, res
		}
		return out, res
	case []any:
		var (
			res Result
			out []any
		)
		for i, item := range t {
			scrubbed, r := s.ScrubValue(item)
			if r.Total == 0 {
				continue
			}
			if out == nil {
				out = append([]any(nil), t...)
			}
			out[i] = scrubbed
			res.add(r)
		}
		if out == nil {
			return v, res
		}
		return out, res
	case []string:
		var (
			res Result
			out []string
		)
		for i, item := range t {
			scrubbed, r := s.Scrub(item)
			if r.Total == 0 {
				continue
			}
			if out == nil {
				out = append([]string(nil), t...)
			}
			out[i] = scrubbed
			res.add(r)
		}
		if out == nil {
			return v, res
		}
		return out, res
	}
	return v, Result{}
}

// detect adds the gitleaks findings in text to spans. Every occurrence of
// a reported secret is redacted, not only the one gitleaks located.
func (s *Scrubber) detect(text string, spans []span, res *Result) []span {
	if s.detector == nil || text == "" {
		return spans
	}
	s.detectMu.Lock()
	findings := s.detector.DetectString(text)
	s.detectMu.Unlock()

	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || s.allowed(secret) {
			continue
		}
		found := false
		for from := 0; ; {
			i := strings.Index(text[from:], secret)
			if i < 0 {
				break
			}
			start := from + i
			spans = append(spans, span{start, start + len(secret)})
			from = start + len(secret)
			found = true
		}
		if !found {
			continue
		}
		if res.ByRule == nil {
			res.ByRule = make(map[string]int)
		}
		res.ByRule[f.RuleID]++
		res.Total++
	}
	return spans
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
