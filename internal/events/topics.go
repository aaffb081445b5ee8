package events

const (
	TopicPaymentCreated      = "payment.created"
	TopicPaymentCompleted    = "payment.completed"
	TopicPaymentFailed       = "payment.failed"
	TopicPaymentRefunded     = "payment.refunded"
	TopicEnrollmentActivated = "enrollment.activated"
)
