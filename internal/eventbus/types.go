package eventbus

// Event types published by the engine and its collaborators.
const (
	AlertCreated  = "alert.created"
	AlertMerged   = "alert.merged"
	AlertRejected = "alert.rejected"

	NotificationRead      = "notification.read"
	NotificationDismissed = "notification.dismissed"
	NotificationExpired   = "notification.expired"

	BannerShown   = "banner.shown"
	BannerCleared = "banner.cleared"

	PrefsUpdated = "prefs.updated"

	DispatchSent    = "dispatch.sent"
	DispatchFailed  = "dispatch.failed"
	DispatchDropped = "dispatch.dropped"
)
