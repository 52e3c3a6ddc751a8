package main

import (
	"context"
	"fmt"

	"github.com/nuulab/flowcore/pkg/dsl"
	"github.com/nuulab/flowcore/pkg/flow"
	"github.com/nuulab/flowcore/pkg/mediator"
	"github.com/nuulab/flowcore/pkg/mediator/inproc"
)

// orderState is the demo flow's carried state; GetFlowID/SetFlowID
// satisfy dsl.Identifiable so it can be sent through the HTTP API as
// a plain JSON body.
type orderState struct {
	FlowID   string `json:"flow_id"`
	OrderID  string `json:"order_id"`
	Charged  bool   `json:"charged"`
	Shipped  bool   `json:"shipped"`
}

func (s *orderState) GetFlowID() string   { return s.FlowID }
func (s *orderState) SetFlowID(id string) { s.FlowID = id }

type chargeCmd struct{ orderID string }

func (c chargeCmd) MessageID() int64 { return 1 }

type shipCmd struct{ orderID string }

func (c shipCmd) MessageID() int64 { return 2 }

// demoMediator wires handlers for the "order" flow's two commands.
func demoMediator() mediator.Mediator {
	med := inproc.New()
	med.HandleCommand(chargeCmd{}, func(ctx context.Context, msg mediator.Message) error {
		fmt.Printf("flowd: charged order %s\n", msg.(chargeCmd).orderID)
		return nil
	})
	med.HandleCommand(shipCmd{}, func(ctx context.Context, msg mediator.Message) error {
		fmt.Printf("flowd: shipped order %s\n", msg.(shipCmd).orderID)
		return nil
	})
	return med
}

// demoOrderFlow builds the flow.Config the server registers under
// the name "order" at startup.
func demoOrderFlow() *flow.Config {
	return flow.New("order").
		Send("charge", func(state any) any {
			return chargeCmd{orderID: state.(*orderState).OrderID}
		}).
		Into(func(state any, result any) any {
			state.(*orderState).Charged = true
			return state
		}).Then().
		Send("ship", func(state any) any {
			return shipCmd{orderID: state.(*orderState).OrderID}
		}).
		Into(func(state any, result any) any {
			state.(*orderState).Shipped = true
			return state
		}).Then().
		MustBuild()
}

var _ dsl.Identifiable = (*orderState)(nil)
