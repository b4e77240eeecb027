package controller

// JobID, MonitorID and SubscriptionID are process-monotonic counters,
// kept as fields on ControllerCore instead of the package-level
// globals the source used (spec §9 "Global mutable state" -- counters
// belong to the registry that owns the objects they number).
// ProxyMonitor objects are indexed by SubscriptionID (proxy.go allocates
// their id via allocSub(), the same counter a regular Subscribe uses),
// so there is no separate ProxyMonitorID counter.
type JobID uint32
type MonitorID uint64
type SubscriptionID uint64

type idCounters struct {
	nextJob     JobID
	nextMonitor MonitorID
	nextSub     SubscriptionID
}

func (c *idCounters) allocJob() JobID {
	c.nextJob++
	return c.nextJob
}

func (c *idCounters) allocMonitor() MonitorID {
	c.nextMonitor++
	return c.nextMonitor
}

func (c *idCounters) allocSub() SubscriptionID {
	c.nextSub++
	return c.nextSub
}
