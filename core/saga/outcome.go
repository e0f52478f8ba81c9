package saga

import "strings"

// classifyOutcome resolves a message type to an outcome for a step. The
// step's explicit Outcomes mapping wins; types not mapped fall back to
// name conventions ("Completed"/"Succeeded" vs "Failed"/"Rejected"), and
// anything else is unknown and ignored by the manager.
func classifyOutcome(step Step, msgType string) Outcome {
	if o, ok := step.Outcomes[msgType]; ok {
		return o
	}
	return classifyByName(msgType)
}

func classifyByName(msgType string) Outcome {
	t := strings.ToLower(msgType)
	switch {
	case strings.Contains(t, "completed"),
		strings.Contains(t, "succeeded"),
		strings.Contains(t, "success"):
		return OutcomeSuccess
	case strings.Contains(t, "failed"),
		strings.Contains(t, "rejected"),
		strings.Contains(t, "error"):
		return OutcomeFailure
	}
	return OutcomeUnknown
}
