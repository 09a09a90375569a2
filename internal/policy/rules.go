package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"spendguard/internal/models"
)

// WildcardPeer is the rule key that matches every peer without a rule of its own.
const WildcardPeer = "*"

// RuleTable holds autopay rules keyed by peer id.
type RuleTable struct {
	mu    sync.RWMutex
	rules map[string]models.AutopayRule
}

// NewRuleTable builds a table from rules; later duplicates replace earlier ones.
func NewRuleTable(rules ...models.AutopayRule) *RuleTable {
	t := &RuleTable{rules: make(map[string]models.AutopayRule, len(rules))}
	for _, r := range rules {
		t.rules[r.PeerID] = r
	}
	return t
}

// Set adds or replaces the rule for rule.PeerID.
func (t *RuleTable) Set(rule models.AutopayRule) {
	t.mu.Lock()
	t.rules[rule.PeerID] = rule
	t.mu.Unlock()
}

// Remove drops the rule for peerID.
func (t *RuleTable) Remove(peerID string) {
	t.mu.Lock()
	delete(t.rules, peerID)
	t.mu.Unlock()
}

// Replace swaps the whole table, e.g. after reloading the rules file.
func (t *RuleTable) Replace(rules []models.AutopayRule) {
	next := make(map[string]models.AutopayRule, len(rules))
	for _, r := range rules {
		next[r.PeerID] = r
	}
	t.mu.Lock()
	t.rules = next
	t.mu.Unlock()
}

// Rules returns a copy of every rule.
func (t *RuleTable) Rules() []models.AutopayRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.AutopayRule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	return out
}

// Match returns the enabled rule that applies to peerID and methodID. A peer-specific
// rule shadows the wildcard even when it is disabled or excludes the method.
func (t *RuleTable) Match(peerID, methodID string) (models.AutopayRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rule, ok := t.rules[peerID]
	if !ok {
		rule, ok = t.rules[WildcardPeer]
	}
	if !ok || !rule.Enabled || !methodAllowed(rule, methodID) {
		return models.AutopayRule{}, false
	}
	return rule, true
}

func methodAllowed(rule models.AutopayRule, methodID string) bool {
	if len(rule.AllowedMethods) == 0 {
		return true
	}
	for _, m := range rule.AllowedMethods {
		if strings.EqualFold(m, methodID) {
			return true
		}
	}
	return false
}

type rulesFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	PeerID         string   `yaml:"peer_id"`
	Name           string   `yaml:"name"`
	MaxAmountSats  *uint64  `yaml:"max_amount_sats"`
	Enabled        *bool    `yaml:"enabled"`
	AllowedMethods []string `yaml:"allowed_methods"`

	RequireConfirmation bool `yaml:"require_confirmation"`
}

// LoadRules reads autopay rules from a YAML file. An empty path or a missing file yields
// no rules. Rules without an explicit enabled flag are enabled.
func LoadRules(path string) ([]models.AutopayRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	rules := make([]models.AutopayRule, 0, len(doc.Rules))
	seen := make(map[string]struct{}, len(doc.Rules))
	for i, e := range doc.Rules {
		peer := strings.TrimSpace(e.PeerID)
		if peer == "" {
			return nil, fmt.Errorf("rule %d: peer_id is required", i)
		}
		if _, dup := seen[peer]; dup {
			return nil, fmt.Errorf("rule %d: duplicate rule for peer %q", i, peer)
		}
		seen[peer] = struct{}{}

		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		rules = append(rules, models.AutopayRule{
			PeerID:         peer,
			Name:           e.Name,
			MaxAmountSats:  e.MaxAmountSats,
			Enabled:        enabled,
			AllowedMethods: e.AllowedMethods,

			RequireConfirmation: e.RequireConfirmation,
		})
	}
	return rules, nil
}
