package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"
	"gopkg.in/yaml.v3"

	"integritywatch/internal/logger"
	"integritywatch/pkg/models"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type compiledSigmaRule struct {
	rule  sigma.Rule
	eval  *sigmaevaluator.RuleEvaluator
	match Match
}

// SigmaEngine evaluates Sigma rules against individual proctoring events.
// Event fields are event_type, session_id and the payload fields by their
// wire names.
type SigmaEngine struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaEngine loads Sigma rules from a file or directory and compiles evaluators.
// Unsupported or complex rules are skipped and included in stats.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		rule, raw, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isProctoringSource(rule) {
			stats.SkippedDatasource++
			continue
		}
		if ok, _ := isSimpleSingleEventRule(rule, raw); !ok {
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledSigmaRule{
			rule:  rule,
			eval:  sigmaevaluator.ForRule(rule),
			match: matchFromRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaEngine{rules: compiled, ctx: context.Background()}, stats, nil
}

// Len returns the number of loaded rules.
func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply evaluates all loaded rules and returns the ones that matched.
func (e *SigmaEngine) Apply(event *models.Event) []Match {
	if e == nil || event == nil || len(e.rules) == 0 {
		return nil
	}

	fields, err := sigmaEventFrom(event)
	if err != nil {
		logger.Warnf("Sigma rules skipped for event %s (session %s): %v", event.ID, event.SessionID, err)
		return nil
	}
	var out []Match
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(e.ctx, fields)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.match)
		}
	}
	return out
}

func parseSigmaRuleFile(path string) (sigma.Rule, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, nil, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, nil, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, raw, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isProctoringSource(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	service := strings.ToLower(strings.TrimSpace(rule.Logsource.Service))

	if product != "" && product != "proctoring" {
		return false
	}
	if service != "" && service != "integritywatch" {
		return false
	}
	return true
}

func isSimpleSingleEventRule(rule sigma.Rule, raw []byte) (bool, string) {
	if rule.Detection.Timeframe > 0 || hasTimeframe(raw) {
		return false, "timeframe is not supported"
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}

	return true, ""
}

// hasTimeframe reports whether the rule's detection block declares a
// timeframe. sigma-go does not reliably populate Detection.Timeframe.
func hasTimeframe(raw []byte) bool {
	var doc struct {
		Detection map[string]yaml.Node `yaml:"detection"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return false
	}
	_, ok := doc.Detection["timeframe"]
	return ok
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

func sigmaEventFrom(event *models.Event) (map[string]interface{}, error) {
	buf := make(map[string]interface{}, 8)
	if event.Payload != nil {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		if err := json.Unmarshal(raw, &buf); err != nil {
			return nil, fmt.Errorf("decode payload fields: %w", err)
		}
	}
	buf["event_type"] = string(event.Kind)
	buf["session_id"] = event.SessionID
	return buf, nil
}

func matchFromRule(rule sigma.Rule) Match {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}

	level, ok := models.ParseSeverity(rule.Level)
	switch {
	case strings.EqualFold(strings.TrimSpace(rule.Level), "informational"):
		level = models.SeverityLow
	case !ok || level == models.SeverityNone:
		level = models.SeverityMedium
	}

	return Match{
		ID:    id,
		Title: strings.TrimSpace(rule.Title),
		Level: level,
	}
}
