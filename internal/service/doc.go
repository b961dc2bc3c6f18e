// Package service supervises the external analysis worker, a local HTTP
// process running the power-flow solver.
//
// Overview
// The Supervisor is the composition root. It owns a Registry holding at most
// one worker and forwards requests through a Proxy. Callers never manage the
// worker lifecycle: every request goes through EnsureRunning first.
//
// A start attempt is strictly sequential:
//   - netscan.FreePort picks an ephemeral loopback port
//   - Chain spawns strategies in order (uvx, uv run, python3 by default) and
//     accepts the first process still alive after the grace period
//   - Probe polls the health endpoint until it answers or the deadline elapses
//
// All three steps share one deadline (Options.StartTimeout), so a slow strategy
// cannot eat the budget silently.
//
// Data flow:
//
//	caller          Supervisor         Registry            Chain/Probe
//	  |                 |                  |                    |
//	  | RunAnalysis --->| EnsureRunning -->| absent? begin ---->| TryLaunch
//	  |                 |                  |   starting: wait   | WaitUntilReady
//	  |                 |                  |<---- descriptor ---|
//	  |                 |<-- descriptor ---|                    |
//	  |<-- Envelope ----| Proxy POST /api/analyze               |
//
// Invariants:
//   - At most one worker process at a time.
//   - Concurrent EnsureRunning calls share one pending result; only one caller
//     launches.
//   - Starting always resolves to ready or absent.
//   - Stop is safe at any time and ends in absent; waiters of an interrupted
//     start get ErrStopped and no process outlives Stop.
//   - Worker stdout and stderr are captured, never inherited.
//   - Failures are values: the Proxy classifies every outcome as ok,
//     worker_error, unhealthy or transport_error.
//
// Known limitation: the grace period only proves the process did not exit
// immediately. A worker crashing later during its own startup is detected by
// the health deadline only.
package service
