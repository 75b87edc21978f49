package engine

import "integritywatch/pkg/models"

var baseSeverity = map[models.EventKind]models.Severity{
	models.KindMultipleFaces: models.SeverityHigh,
	models.KindFaceAbsent:    models.SeverityMedium,
	models.KindPaste:         models.SeverityMedium,
	models.KindGazeAway:      models.SeverityMedium,
	models.KindMouseDrift:    models.SeverityMedium,
}

// EventSeverity derives an event's severity from its kind and the heaviest
// violation it triggered. Client input never sets it.
func EventSeverity(kind models.EventKind, vs []models.Violation) models.Severity {
	sev, ok := baseSeverity[kind]
	if !ok {
		sev = models.SeverityLow
	}
	heaviest := 0.0
	for _, v := range vs {
		if v.Weight > heaviest {
			heaviest = v.Weight
		}
	}
	return models.MaxSeverity(sev, weightSeverity(heaviest))
}

func weightSeverity(w float64) models.Severity {
	switch {
	case w >= 60:
		return models.SeverityCritical
	case w >= 35:
		return models.SeverityHigh
	case w >= 15:
		return models.SeverityMedium
	case w > 0:
		return models.SeverityLow
	default:
		return models.SeverityNone
	}
}
