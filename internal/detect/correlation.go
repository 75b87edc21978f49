package detect

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"integritywatch/pkg/models"
)

// Correlate emits one compound violation when a fresh violation co-occurs
// with a violation of a different rule inside the correlation window. The
// weight is the bonus factor times the sum of the latest weight per rule, so
// it always exceeds the parts it combines.
func Correlate(in Input, fresh, recent []models.Violation) []models.Violation {
	if len(fresh) == 0 {
		return nil
	}
	cutoff := in.Event.Timestamp.Add(-in.Policy.Correlation.Window)

	latest := make(map[string]models.Violation)
	consider := func(v models.Violation) {
		if v.Rule == RuleCorrelation || v.Timestamp.Before(cutoff) {
			return
		}
		if cur, ok := latest[v.Rule]; !ok || !v.Timestamp.Before(cur.Timestamp) {
			latest[v.Rule] = v
		}
	}
	for _, v := range recent {
		consider(v)
	}
	freshRules := make(map[string]bool, len(fresh))
	for _, v := range fresh {
		if v.Rule == RuleCorrelation {
			continue
		}
		freshRules[v.Rule] = true
		consider(v)
	}
	if len(freshRules) == 0 || len(latest) < 2 {
		return nil
	}

	rules := make([]string, 0, len(latest))
	for rule := range latest {
		rules = append(rules, rule)
	}
	sort.Strings(rules)

	var sum float64
	seen := make(map[string]bool)
	var ids []string
	for _, rule := range rules {
		v := latest[rule]
		sum += v.Weight
		for _, id := range v.EventIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	return []models.Violation{{
		Rule:     RuleCorrelation,
		Weight:   math.Min(100, in.Policy.Correlation.Bonus*sum),
		EventIDs: ids,
		Detail:   fmt.Sprintf("co-occurring rules: %s", strings.Join(rules, ", ")),
	}}
}
