package incident

// statusRank orders the forward path; terminal statuses sit outside it.
var statusRank = map[Status]int{
	StatusOpen:          1,
	StatusInvestigating: 2,
	StatusContained:     3,
	StatusRemediated:    4,
	StatusClosed:        5,
}

// allowed lists the non-override transitions.
var allowed = map[Status][]Status{
	StatusOpen:          {StatusInvestigating, StatusContained, StatusFalsePositive},
	StatusInvestigating: {StatusContained, StatusFalsePositive},
	StatusContained:     {StatusRemediated},
	StatusRemediated:    {StatusClosed},
}

// CanTransition reports whether from -> to is permitted without an
// operator override.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusAfter returns the status an incident takes on after a successful
// transfer into stage.
func StatusAfter(stage Stage) (Status, bool) {
	switch stage {
	case StageAnalysis:
		return StatusInvestigating, true
	case StageRemediation:
		return StatusContained, true
	case StageCommunication:
		return StatusRemediated, true
	case StageDone:
		return StatusClosed, true
	}
	return "", false
}

// advance moves status forward to target along the forward path. Statuses
// never move backwards, so an incident parked in contained that resumes at
// analysis stays contained.
func advance(current, target Status) Status {
	if statusRank[target] > statusRank[current] {
		return target
	}
	return current
}
