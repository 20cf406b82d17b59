package api

// Route names, used by the auth middleware to decide which endpoints
// require a worker token.
const (
	RouteHealth = "health"

	RouteRegisterWorker   = "worker.register"
	RoutePollWorker       = "worker.poll"
	RouteHeartbeatWorker  = "worker.heartbeat"
	RouteUnregisterWorker = "worker.unregister"

	RouteSubmitBuild   = "build.submit"
	RouteGetBuild      = "build.get"
	RouteCancelBuild   = "build.cancel"
	RouteStartBuild    = "build.start"
	RouteCompleteBuild = "build.complete"
)

// PublicEndpoints defines endpoints that don't require a worker token.
// Submission and cancellation come from the operator-facing side,
// which fronts its own auth; registration is how tokens are obtained.
var PublicEndpoints = map[string]bool{
	RouteHealth:         true,
	RouteRegisterWorker: true,
	RouteSubmitBuild:    true,
	RouteGetBuild:       true,
	RouteCancelBuild:    true,
}

// WorkerScopedEndpoints address a worker by path id; the auth
// middleware requires the token's worker id to match it.
var WorkerScopedEndpoints = map[string]bool{
	RoutePollWorker:       true,
	RouteHeartbeatWorker:  true,
	RouteUnregisterWorker: true,
}
