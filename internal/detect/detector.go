// ABOUTME: gitleaks-backed scanner that attributes each finding to a configuration key
// ABOUTME: Applies the optional allowlist to the default gitleaks configuration

package detect

import (
	"fmt"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/2389/coven-vault/internal/envfile"
)

// Finding is a rule match attributed to a key. The matched text is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Key         string `json:"key,omitempty"`
}

// Warning formats f for the approval page.
func (f Finding) Warning() string {
	if f.Key == "" {
		return fmt.Sprintf("gitleaks %s: %s", f.RuleID, f.Description)
	}
	return fmt.Sprintf("%s: gitleaks %s (%s)", f.Key, f.RuleID, f.Description)
}

// Detector scans content with gitleaks' default rules.
type Detector struct {
	allowlist *Allowlist
}

// New returns a Detector; allowlist may be nil.
func New(allowlist *Allowlist) *Detector {
	return &Detector{allowlist: allowlist}
}

// Scan reports the findings in content, the text of the file at path. vars
// are the parsed assignments of that content and are used to attribute each
// finding to a key. Findings are deduplicated per key and rule.
func (d *Detector) Scan(path, content string, vars []envfile.Var) ([]Finding, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if d.allowlist != nil {
		if d.allowlist.matchesPath(path) {
			return nil, nil
		}
		applyAllowlist(&detector.Config, d.allowlist)
	}

	seen := make(map[string]struct{})
	var findings []Finding
	for _, f := range detector.DetectString(content) {
		key := attribute(f.Secret, vars)
		id := key + "\x00" + f.RuleID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		findings = append(findings, Finding{RuleID: f.RuleID, Description: f.Description, Key: key})
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Key != findings[j].Key {
			return findings[i].Key < findings[j].Key
		}
		return findings[i].RuleID < findings[j].RuleID
	})
	return findings, nil
}

// attribute finds the key whose value contains secret.
func attribute(secret string, vars []envfile.Var) string {
	if secret == "" {
		return ""
	}
	for _, v := range vars {
		if strings.Contains(v.Value, secret) {
			return v.Key
		}
	}
	return ""
}

func (a *Allowlist) matchesPath(path string) bool {
	for _, re := range a.Paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// applyAllowlist adds the content patterns as a global gitleaks allowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, a *Allowlist) {
	if len(a.Regexes) == 0 {
		return
	}
	global := &gitleaksConfig.Allowlist{Description: "coven-vault allowlist"}
	for _, re := range a.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
