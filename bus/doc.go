// Package bus provides the per-agent message bus for a trading swarm.
//
// # Overview
//
// A Bus is one agent's handle on the swarm. It publishes typed messages,
// runs a receive loop over the agent's own channel and the broadcast channel,
// and dispatches delivered messages to registered handlers in priority order.
// Consensus rounds, heartbeats and agent state ride on the same transport.
//
// # Pipeline
//
//	Publish:  fill defaults → validate → rate limit → encode → send (retry)
//	Receive:  size check → decode → self/addressing filter → ACL → queues
//	Dispatch: highest priority first → typed handlers → wildcard handlers
//
// # Transports
//
// The Registry negotiates the transport once per bus from the configured
// mode: a Durable backend (Redis or NATS) shared across processes, or the
// Local in-process hub. In hybrid mode an unreachable Durable backend falls
// back to Local with a warning.
//
// # Usage
//
//	reg := bus.NewRegistry(bus.RegistryOptions{Config: cfg})
//	defer reg.Close()
//
//	risk, _ := reg.Bus(ctx, "risk")
//	risk.On(message.TypeConsensusRequest, bus.HandlerFunc(
//	    func(ctx context.Context, m *message.Message) error {
//	        return risk.Vote(ctx, m.ID, message.Approve, "exposure ok")
//	    }))
//
//	trader, _ := reg.Bus(ctx, "trader")
//	res, _ := trader.RequestConsensus(ctx, consensus.Request{
//	    Action:  message.ActionBuy,
//	    Subject: tokenAddress,
//	    Amount:  10,
//	    Reason:  "whale entry",
//	})
//
// # Handlers
//
// Handlers run on the bus's dispatch goroutine, one message at a time. A
// handler error or panic is logged and counted; the remaining handlers still
// run. Handlers must not block for long: votes for this agent's own rounds
// are recorded by the receive loop, so a handler may call RequestConsensus,
// but it stalls delivery of everything else until the round resolves.
package bus
