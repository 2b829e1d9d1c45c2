package metrics

// Pre-defined metrics for the ethles light client. All metrics live in
// DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- Peer/session metrics ----

	// PeersConnected tracks the current number of ACTIVE node sessions.
	PeersConnected = DefaultRegistry.Gauge("les.peers")
	// NodesDropped counts sessions removed (timeout, disconnect, or error).
	NodesDropped = DefaultRegistry.Counter("les.nodes_dropped")

	// ---- Request/response metrics ----

	// RequestsSent counts request frames dispatched to a node.
	RequestsSent = DefaultRegistry.Counter("les.requests_sent")
	// ResponsesReceived counts response frames matched to an in-flight request.
	ResponsesReceived = DefaultRegistry.Counter("les.responses_received")
	// RequestTimeouts counts in-flight requests that missed their deadline.
	RequestTimeouts = DefaultRegistry.Counter("les.request_timeouts")
	// CreditRejections counts dispatches refused locally for insufficient
	// buffer before a frame is ever written to the wire.
	CreditRejections = DefaultRegistry.Counter("les.credit_rejections")
	// RequestLatency records time from dispatch to a matched response, in
	// milliseconds.
	RequestLatency = DefaultRegistry.Histogram("les.request_latency_ms")

	// ---- Provisioner metrics ----

	// ProvisionerRedispatches counts scheduler re-entries after a failed
	// dispatch attempt still short of its node.
	ProvisionerRedispatches = DefaultRegistry.Counter("les.provisioner_redispatches")
	// ProvisionerFailures counts provisioners that exhausted their attempts
	// or expired before completing.
	ProvisionerFailures = DefaultRegistry.Counter("les.provisioner_failures")
)
