// Package agent implements the offline agent itself: a Registration that plays
// the platform role (install, activate, fetch and message dispatch), the Worker
// lifecycle for one version of the agent, the Router that picks a caching
// strategy per intercepted request, and the Lifetime token that keeps
// background cache writes alive after a response has been returned.
package agent
