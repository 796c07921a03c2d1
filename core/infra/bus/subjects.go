package bus

// Subjects shared with the execution engine.
const (
	SubjectHeartbeat    = "opal.heartbeat"
	SubjectJobStatus    = "opal.job.status"
	SubjectJobAdmitted  = "opal.job.admitted"
	SubjectJobCancelled = "opal.job.cancelled"
	SubjectJobUpdated   = "opal.job.updated"

	// QueueGateway load-balances ingest across gateway replicas.
	QueueGateway = "opal-gateway"
)
