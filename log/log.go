package log

const (
	NamespaceKey = "bpm"

	ProcessIDKey  = NamespaceKey + ".process.id"
	InstanceIDKey = NamespaceKey + ".instance.id"
	StateKey      = NamespaceKey + ".instance.state"

	ActivityIDKey   = NamespaceKey + ".activity.id"
	ActivityKindKey = NamespaceKey + ".activity.kind"
	FrameIDKey      = NamespaceKey + ".activity.frame"

	ChannelKey         = NamespaceKey + ".channel"
	PartnerLinkKey     = NamespaceKey + ".partner_link"
	OperationKey       = NamespaceKey + ".operation"
	MessageExchangeKey = NamespaceKey + ".mex.id"
	CorrelationKey     = NamespaceKey + ".correlation.key"

	FaultKey  = NamespaceKey + ".fault"
	ReasonKey = NamespaceKey + ".reason"
	ActionKey = NamespaceKey + ".recovery.action"

	EventTypeKey = NamespaceKey + ".event.type"

	JobIDKey      = NamespaceKey + ".job.id"
	JobKindKey    = NamespaceKey + ".job.kind"
	JobRetriesKey = NamespaceKey + ".job.retries"

	ReactionsKey = NamespaceKey + ".vm.reactions"

	AttemptKey  = NamespaceKey + ".attempt"
	DurationKey = NamespaceKey + ".duration_ms"

	// NowKey is the time at which a job was scheduled
	NowKey = NamespaceKey + ".job.now"
	// AtKey is the time at which a job is due
	AtKey = NamespaceKey + ".job.at"
)
