// Command fleetd-control runs the fleet control plane: the HTTP
// surface (component I) plus every background task (liveness monitor,
// rollout orchestrator, job timeout sweeper, event log maintenance).
package main

import (
	"fleetcp.sh/cmd/fleetd-control/cmd"
)

func main() {
	cmd.Execute()
}
