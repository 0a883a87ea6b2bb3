package store

import "clinicq/internal/models"

// Staff actions plus the two force-majeure bulk actions. A ticket
// number is immutable through every transition; terminal states burn
// the number forever.
const (
	ActionCall         = "call"
	ActionStartServing = "start_serving"
	ActionComplete     = "complete"
	ActionNoShow       = "no_show"
	ActionCancel       = "cancel"
	ActionReschedule   = "reschedule"
)

var transitionMap = map[string][]string{
	ActionCall:         {models.StatusWaiting},
	ActionStartServing: {models.StatusCalled},
	ActionComplete:     {models.StatusServing},
	ActionNoShow:       {models.StatusWaiting, models.StatusCalled},
	ActionCancel:       {models.StatusWaiting, models.StatusCalled},
	ActionReschedule:   {models.StatusWaiting, models.StatusCalled},
}

var actionTarget = map[string]string{
	ActionCall:         models.StatusCalled,
	ActionStartServing: models.StatusServing,
	ActionComplete:     models.StatusDone,
	ActionNoShow:       models.StatusNoShow,
	ActionCancel:       models.StatusCanceled,
	ActionReschedule:   models.StatusRescheduled,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func TransitionSources(action string) []string {
	return transitionMap[action]
}

func TransitionTarget(action string) (string, bool) {
	target, ok := actionTarget[action]
	return target, ok
}
