package controller

// FleetStatus is ControllerCore's derived `{down, degraded, up}`
// property (spec §4.1 "System status").
type FleetStatus string

const (
	FleetDown     FleetStatus = "down"
	FleetDegraded FleetStatus = "degraded"
	FleetUp       FleetStatus = "up"
)

// deriveFleetStatus computes the status from online vs total named
// nodes (spec §4.1). A change signal is emitted only on crossing
// boundaries (0<->1, N-1<->N); see ControllerCore.maybeEmitStatus in
// core.go for the edge detection, not here -- this function is pure.
func deriveFleetStatus(onlineCount, totalNamed int) FleetStatus {
	switch {
	case totalNamed == 0 || onlineCount == 0:
		return FleetDown
	case onlineCount == totalNamed:
		return FleetUp
	default:
		return FleetDegraded
	}
}
