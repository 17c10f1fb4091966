package worker

import (
	"github.com/spec-kit/persona-service/internal/service"
)

// StartNotificationWorker registers notification handlers. It must run before
// the HTTP server accepts billing traffic so no entitlement change is missed.
func StartNotificationWorker(notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
}
