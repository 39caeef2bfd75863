// Package diff normalizes fetched content, fingerprints it and renders
// line diffs between snapshots.
package diff

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/sergi/go-diff/diffmatchpatch"

	md5hash "github.com/JakeFAU/changewatch/internal/hash/md5"
	"github.com/JakeFAU/changewatch/internal/watch"
)

// Rules are the per-watch normalization settings.
type Rules struct {
	CSSFilter  string
	IgnoreText []string
}

// RulesFor extracts the normalization rules of w.
func RulesFor(w watch.Watch) Rules {
	return Rules{CSSFilter: w.CSSFilter, IgnoreText: w.IgnoreText}
}

// Engine is safe for concurrent use.
type Engine struct {
	hasher watch.Hasher
	dmp    *diffmatchpatch.DiffMatchPatch

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
}

// New returns an Engine. A nil hasher defaults to MD5.
func New(hasher watch.Hasher) *Engine {
	if hasher == nil {
		hasher = md5hash.New()
	}
	return &Engine{
		hasher:  hasher,
		dmp:     diffmatchpatch.New(),
		regexes: make(map[string]*regexp.Regexp),
	}
}

// Normalize applies selector extraction and then ignore-text stripping.
func (e *Engine) Normalize(content []byte, rules Rules) ([]byte, error) {
	text := string(content)
	if strings.TrimSpace(rules.CSSFilter) != "" {
		extracted, err := extract(content, rules.CSSFilter)
		if err != nil {
			return nil, err
		}
		text = extracted
	}
	stripped, err := e.stripIgnored(text, rules.IgnoreText)
	if err != nil {
		return nil, err
	}
	return []byte(stripped), nil
}

// Fingerprint hashes normalized content.
func (e *Engine) Fingerprint(normalized []byte) (string, error) {
	sum, err := e.hasher.Hash(normalized)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return sum, nil
}

// Changed reports whether next differs from the previous fingerprint. An
// empty previous fingerprint means nothing was stored yet.
func Changed(previous, next string) bool {
	return previous == "" || previous != next
}

// ValidateRules reports selector and regex errors before they reach a check.
func ValidateRules(rules Rules) error {
	if strings.TrimSpace(rules.CSSFilter) != "" {
		if _, err := cascadia.Compile(rules.CSSFilter); err != nil {
			return fmt.Errorf("css filter %q: %w", rules.CSSFilter, err)
		}
	}
	for _, rule := range rules.IgnoreText {
		if pattern, ok := regexRule(rule); ok {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("ignore rule %q: %w", rule, err)
			}
		}
	}
	return nil
}

func extract(content []byte, selector string) (string, error) {
	if _, err := cascadia.Compile(selector); err != nil {
		return "", fmt.Errorf("css filter %q: %w", selector, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var parts []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n"), nil
}

// A rule wrapped in slashes is a regular expression removed from every line;
// any other rule drops each line containing it, ignoring case.
func (e *Engine) stripIgnored(text string, rules []string) (string, error) {
	var (
		plain    []string
		patterns []*regexp.Regexp
	)
	for _, rule := range rules {
		if rule == "" {
			continue
		}
		if pattern, ok := regexRule(rule); ok {
			re, err := e.compile(pattern)
			if err != nil {
				return "", fmt.Errorf("ignore rule %q: %w", rule, err)
			}
			patterns = append(patterns, re)
			continue
		}
		plain = append(plain, strings.ToLower(rule))
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if containsAny(strings.ToLower(line), plain) {
			continue
		}
		for _, re := range patterns {
			line = re.ReplaceAllString(line, "")
		}
		out = append(out, strings.TrimRight(line, " \t\r"))
	}
	return strings.Join(out, "\n"), nil
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexes[pattern] = re
	return re, nil
}

func regexRule(rule string) (string, bool) {
	if len(rule) > 2 && strings.HasPrefix(rule, "/") && strings.HasSuffix(rule, "/") {
		return rule[1 : len(rule)-1], true
	}
	return "", false
}

func containsAny(line string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}
