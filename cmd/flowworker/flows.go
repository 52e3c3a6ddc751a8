package main

import (
	"context"

	"github.com/nuulab/flowcore/pkg/simpleflow"
)

// registeredFlow resolves a flow type name to its simpleflow.Flow
// definition. A real deployment would load these from a registry
// shared with cmd/flowd; this process hosts one demo flow so the
// worker binary is runnable standalone.
func registeredFlow(flowType string) *simpleflow.Flow {
	switch flowType {
	case "heartbeat-ping":
		return heartbeatPingFlow()
	default:
		return nil
	}
}

func heartbeatPingFlow() *simpleflow.Flow {
	return simpleflow.New("heartbeat-ping",
		simpleflow.Step{
			Name: "ping",
			Run: func(ctx context.Context, data []byte) ([]byte, error) {
				return append(data, []byte(":ping")...), nil
			},
		},
	)
}
