package store

import "unityportal/queue-service/internal/models"

// served and cancelled are terminal; only waiting tickets move.
var transitionMap = map[string][]string{
	"serve":  {models.StatusWaiting},
	"cancel": {models.StatusWaiting},
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
