// Package api holds the contracts shared by the hioload-fiber runtime packages:
// readiness events, the Reactor multiplexer interface, structured errors and
// the graceful shutdown contract.
package api
