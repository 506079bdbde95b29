// Package orchestrator is the composition root: it builds every core
// component (C1-C14) from a Config, wires them to each other, and owns
// their combined start/stop sequence.
package orchestrator
