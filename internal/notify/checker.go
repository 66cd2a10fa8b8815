package notify

import "fmt"

// Decision is the Preference Checker verdict.
type Decision struct {
	ShouldNotify bool
	Reason       string
}

// Decide reports whether a user with preference p wants to hear about an
// event of type e on an issue of the given severity. A nil preference
// means the user has not opted in to anything.
func Decide(e EventType, severity int, p *NotificationPreference) Decision {
	if p == nil {
		return Decision{false, "No notification preferences configured"}
	}
	rule := p.Rule(e)
	if !rule.Enabled {
		return Decision{false, fmt.Sprintf("%s notifications disabled in preferences", e)}
	}
	if severity < rule.MinSeverity {
		return Decision{false, fmt.Sprintf("Severity %d below threshold %d", severity, rule.MinSeverity)}
	}
	return Decision{true, fmt.Sprintf("%s notifications enabled, severity %d >= %d", e, severity, rule.MinSeverity)}
}

// normaliseMinSeverity coerces a threshold into the storable range.
func normaliseMinSeverity(v int) (int, error) {
	if v > MaxSeverity {
		return 0, fmt.Errorf("%w: min severity %d above %d", ErrInvalidSeverity, v, MaxSeverity)
	}
	if v < MinSeverity {
		return MinSeverity, nil
	}
	return v, nil
}
