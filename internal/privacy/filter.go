// Package privacy redacts personal data from raw items and drops items
// written by users who opted out of archiving.
package privacy

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

// Pattern is one redaction rule.
type Pattern struct {
	Type        string `yaml:"type" mapstructure:"type"`
	Regex       string `yaml:"regex" mapstructure:"regex"`
	Replacement string `yaml:"replacement" mapstructure:"replacement"`
}

// Rules is the on-disk form of a privacy configuration.
type Rules struct {
	Patterns    []Pattern `yaml:"patterns"`
	OptOutUsers []string  `yaml:"opt_out_users"`
}

// DefaultPatterns are applied when no patterns are configured. Order matters:
// earlier replacements are visible to later patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Type: "email", Regex: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`, Replacement: "[EMAIL REDACTED]"},
		{Type: "phone", Regex: `\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`, Replacement: "[PHONE REDACTED]"},
		{Type: "ssn", Regex: `\b\d{3}[-]?\d{2}[-]?\d{4}\b`, Replacement: "[SSN REDACTED]"},
		{Type: "ip", Regex: `\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`, Replacement: "[IP REDACTED]"},
		{Type: "credit_card", Regex: `\b(?:\d{4}[-\s]?){3}\d{4}\b`, Replacement: "[CREDIT CARD REDACTED]"},
	}
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) (Rules, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read privacy rules: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse privacy rules: %w", err)
	}
	return rules, nil
}

// Config controls a Filter.
type Config struct {
	RedactPII bool
	// ContentPath is the gjson path of the text to redact. Defaults to "content".
	ContentPath string
	Patterns    []Pattern
	OptOutUsers []string
}

type compiled struct {
	kind        string
	re          *regexp.Regexp
	replacement string
}

// Filter implements retrieval.Transform.
type Filter struct {
	redact      bool
	contentPath string
	patterns    []compiled
	logger      *zap.Logger

	mu     sync.RWMutex
	optOut map[string]struct{}
}

var _ retrieval.Transform = (*Filter)(nil)

// New compiles cfg into a Filter.
func New(cfg Config, logger *zap.Logger) (*Filter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	f := &Filter{
		redact:      cfg.RedactPII,
		contentPath: cfg.ContentPath,
		logger:      logger,
		optOut:      make(map[string]struct{}, len(cfg.OptOutUsers)),
	}
	if f.contentPath == "" {
		f.contentPath = "content"
	}
	for _, p := range patterns {
		if err := f.AddPattern(p); err != nil {
			return nil, err
		}
	}
	for _, u := range cfg.OptOutUsers {
		f.AddOptOut(u)
	}
	logger.Info("privacy filter ready",
		zap.Bool("redact_pii", f.redact),
		zap.Int("patterns", len(f.patterns)),
		zap.Int("opt_out_users", len(f.optOut)),
	)
	return f, nil
}

// AddPattern compiles and appends a redaction rule. Matching is case-insensitive.
func (f *Filter) AddPattern(p Pattern) error {
	re, err := regexp.Compile("(?i)" + p.Regex)
	if err != nil {
		return fmt.Errorf("compile %s pattern: %w", p.Type, err)
	}
	f.patterns = append(f.patterns, compiled{kind: p.Type, re: re, replacement: p.Replacement})
	return nil
}

// AddOptOut excludes future items authored by user.
func (f *Filter) AddOptOut(user string) {
	if user == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optOut[user] = struct{}{}
}

// RemoveOptOut reports whether user was opted out before the call.
func (f *Filter) RemoveOptOut(user string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.optOut[user]
	delete(f.optOut, user)
	return ok
}

// Redact applies every pattern to text.
func (f *Filter) Redact(text string) string {
	for _, p := range f.patterns {
		text = p.re.ReplaceAllLiteralString(text, p.replacement)
	}
	return text
}

// Apply drops opted-out items and redacts the content of the rest.
func (f *Filter) Apply(items []retrieval.Item) []retrieval.Item {
	out := make([]retrieval.Item, 0, len(items))
	dropped, redacted := 0, 0
	for _, item := range items {
		if f.optedOut(item.Raw) {
			dropped++
			continue
		}
		if f.redact {
			next, changed, err := f.redactItem(item)
			if err != nil {
				f.logger.Warn("redaction failed, dropping item",
					zap.String("item_id", item.ID),
					zap.Error(err),
				)
				dropped++
				continue
			}
			if changed {
				item = next
				redacted++
			}
		}
		out = append(out, item)
	}
	if dropped > 0 || redacted > 0 {
		f.logger.Debug("privacy filter applied",
			zap.Int("dropped", dropped),
			zap.Int("redacted", redacted),
		)
	}
	return out
}

func (f *Filter) optedOut(raw []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.optOut) == 0 {
		return false
	}
	author := gjson.GetBytes(raw, "author")
	candidates := []string{author.Get("id").String(), author.Get("username").String()}
	if author.Type == gjson.String {
		candidates = append(candidates, author.String())
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, ok := f.optOut[c]; ok {
			return true
		}
	}
	return false
}

func (f *Filter) redactItem(item retrieval.Item) (retrieval.Item, bool, error) {
	content := gjson.GetBytes(item.Raw, f.contentPath)
	if content.Type != gjson.String || content.Str == "" {
		return item, false, nil
	}
	clean := f.Redact(content.Str)
	if clean == content.Str {
		return item, false, nil
	}
	raw, err := sjson.SetBytes(append([]byte(nil), item.Raw...), f.contentPath, clean)
	if err != nil {
		return item, false, fmt.Errorf("write redacted content: %w", err)
	}
	item.Raw = raw
	return item, true, nil
}
