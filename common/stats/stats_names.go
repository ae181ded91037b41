package stats

/*
Stat names recorded by the scheduler, the store and the notification bus.
*/
const (
	/************************* Scheduler metrics **************************/
	/*
		number of jobs currently in the RUNNING state
	*/
	SchedRunningJobsGauge = "runningJobsGauge"

	/*
		number of READY jobs seen by the last dispatch pass
	*/
	SchedReadyJobsGauge = "readyJobsGauge"

	/*
		number of jobs handed to a connector
	*/
	SchedJobLaunchCounter = "jobLaunchCounter"

	/*
		number of launches that failed and put the job ON_HOLD
	*/
	SchedJobLaunchFailureCounter = "jobLaunchFailureCounter"

	/*
		number of dispatch attempts abandoned because a dependency lock could not be taken
	*/
	SchedLockContentionCounter = "lockContentionCounter"

	/*
		number of jobs that finished DONE
	*/
	SchedJobDoneCounter = "jobDoneCounter"

	/*
		number of jobs that finished in ERROR
	*/
	SchedJobErrorCounter = "jobErrorCounter"

	/*
		number of kill requests processed
	*/
	SchedJobKillCounter = "jobKillCounter"

	/*
		number of resources forced ON_HOLD after a failed status update
	*/
	SchedStatusUpdateFailureCounter = "statusUpdateFailureCounter"

	/*
		number of resource state transitions
	*/
	SchedStateChangeCounter = "stateChangeCounter"

	/*
		number of dependency status changes seen during propagation
	*/
	SchedDependencyChangeCounter = "dependencyChangeCounter"

	/*
		time spent propagating a state change through the dependency graph
	*/
	SchedPropagationLatency_ms = "propagationLatency_ms"

	/*
		time spent in one dispatch pass
	*/
	SchedDispatchLatency_ms = "dispatchLatency_ms"

	/*
		number of locks released by cleanupLocks
	*/
	SchedCleanedLocksCounter = "cleanedLocksCounter"

	/*
		number of resource instances evicted from the in-memory cache
	*/
	SchedCacheEvictionCounter = "cacheEvictionCounter"

	/*
		record the start of the scheduler server
	*/
	SchedServerStartedGauge = "schedStartGauge"

	/************************* Store metrics **************************/
	/*
		time spent in a store transaction
	*/
	StoreTxLatency_ms = "txLatency_ms"

	/*
		number of store transactions rolled back
	*/
	StoreTxRollbackCounter = "txRollbackCounter"

	/************************* Bus metrics **************************/
	/*
		number of messages published on the bus
	*/
	BusMessageCounter = "messageCounter"

	/*
		number of listener failures while delivering a message
	*/
	BusListenerFailureCounter = "listenerFailureCounter"

	/*
		number of webhook messages dropped because the queue was full
	*/
	BusWebhookDroppedCounter = "webhookDroppedCounter"

	/*
		number of webhook deliveries that failed after all retries
	*/
	BusWebhookFailureCounter = "webhookFailureCounter"
)
