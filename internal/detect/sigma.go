package detect

import (
	"integritywatch/internal/rules"
	"integritywatch/pkg/models"
)

// RuleSigmaPrefix prefixes the rule name of operator Sigma rule violations.
const RuleSigmaPrefix = "sigma:"

var sigmaWeights = map[models.Severity]float64{
	models.SeverityLow:      5,
	models.SeverityMedium:   10,
	models.SeverityHigh:     20,
	models.SeverityCritical: 35,
}

// Sigma turns operator rule matches into violations weighted by rule level.
func Sigma(engine rules.Engine) Detector {
	return Func{RuleName: "sigma", Fn: func(in Input) ([]models.Violation, error) {
		matches := engine.Apply(in.Event)
		if len(matches) == 0 {
			return nil, nil
		}
		out := make([]models.Violation, 0, len(matches))
		for _, m := range matches {
			weight, ok := sigmaWeights[m.Level]
			if !ok {
				weight = sigmaWeights[models.SeverityMedium]
			}
			out = append(out, models.Violation{
				Rule:     RuleSigmaPrefix + m.ID,
				Weight:   weight,
				EventIDs: []string{in.Event.ID},
				Detail:   m.Title,
			})
		}
		return out, nil
	}}
}
