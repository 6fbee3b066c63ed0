package metrickeys

const (
	Prefix = "bpm."

	// Instances
	InstanceCreated  = Prefix + "instance.created"
	InstanceFinished = Prefix + "instance.finished"

	// Messages
	MessageRouted  = Prefix + "message.routed"
	MessageQueued  = Prefix + "message.queued"
	ReplySent      = Prefix + "message.reply"
	InvokeSent     = Prefix + "message.invoke"
	ResponseFailed = Prefix + "message.failed"

	// Jobs
	JobScheduled = Prefix + "job.scheduled"
	JobDelivered = Prefix + "job.delivered"
	JobRetried   = Prefix + "job.retried"
	JobAbandoned = Prefix + "job.abandoned"
	JobDelay     = Prefix + "job.time_in_queue"
	JobDuration  = Prefix + "job.duration"

	LockContention = Prefix + "lock.contention"

	// Execution
	ReactionsExecuted = Prefix + "vm.reactions"
	BudgetExhausted   = Prefix + "vm.budget_exhausted"

	ActivityFailures = Prefix + "activity.failure"
	Recoveries       = Prefix + "activity.recovery"

	ProcessCacheSize     = Prefix + "process.cache.size"
	ProcessCacheEviction = Prefix + "process.cache.eviction"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	// Reason for evicting an entry from the process cache
	EvictionReason = "reason"

	JobKind      = "kind"
	Outcome      = "outcome"
	ActivityKind = "activity"
	Action       = "action"
	State        = "state"
	Operation    = "operation"
	Process      = "process"
)
