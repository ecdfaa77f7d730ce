// Package heartbeat provides agent liveness detection for the swarm.
//
// # Overview
//
// Every bus periodically broadcasts an AGENT_HEARTBEAT message carrying the
// agent's status, current task and resident memory. A Monitor records these
// along with per-agent traffic and error counts, and invokes OnDead
// callbacks when an agent stops reporting.
//
// # Architecture
//
//	┌─────────────┐     AGENT_HEARTBEAT      ┌──────────────┐
//	│   Sender    │ ───────────────────────> │   Monitor    │
//	│  (trader)   │      recipient "all"     │ (every bus)  │
//	└─────────────┘                          └──────────────┘
//
// # Usage
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Publisher: b,
//	    AgentID:   "trader",
//	    Interval:  10 * time.Second,
//	})
//	sender.SetTask("scanning whales")
//	sender.Start(ctx)
//
//	monitor := heartbeat.NewMonitor(heartbeat.MonitorConfig{Timeout: 30 * time.Second})
//	monitor.OnDead(func(agentID string) {
//	    log.Printf("agent %s presumed dead", agentID)
//	})
//	monitor.Start(ctx)
//
// # Recommendations
//
//   - Set timeout to 2-3x the heartbeat interval
//   - Handle OnDead callbacks idempotently; they repeat after AlertCooldown
//     while the agent stays silent
package heartbeat
