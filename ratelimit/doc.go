// Package ratelimit provides priority-aware admission control for publishing.
//
// Each bus owns one token bucket. Tokens refill continuously from elapsed
// wall-clock time, computed at each check, so no background timer runs:
//
//	limiter := ratelimit.New(ratelimit.Config{
//	    Rate:  100, // tokens per second
//	    Burst: 50,  // bucket capacity
//	    HighPriorityMultiplier: 2,
//	    CriticalBypass: true,
//	})
//
//	if !limiter.Allow(msg.Priority) {
//	    // drop the message; the caller is never blocked
//	}
//
// A message costs one token. HIGH and URGENT messages cost
// 1/HighPriorityMultiplier. With CriticalBypass, CRITICAL messages are always
// admitted and consume nothing.
package ratelimit
