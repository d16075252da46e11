// Package fleet probes the health of backend targets and restarts them.
//
// Each target has a kind that picks exactly one probe strategy:
//
//	builtin  in-process capability query, no network
//	http     GET the liveness URL; 2xx is healthy
//	grpc     grpc.health.v1 Check; SERVING is healthy
//	tcp      dial the port; reachability only
//	redis    PING
//
// A probe marks its target connecting before any I/O and always resolves it
// to connected, disconnected or error. Disconnected means nothing answered
// (refused, timed out); error means something answered badly. Healthy
// targets then read a liveness metric, whose failure never changes the
// verdict.
//
// Restart runs stop, a settle delay, start, and a fresh probe. Start is
// attempted only after the controller explicitly reports a successful stop.
package fleet
