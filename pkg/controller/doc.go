// Package controller implements the Resource Controller (C11): the
// leader-elected loop that keeps the worker fleet sized to demand. Every
// cycle it scales up in response to scale-up hints the scheduler
// couldn't place, drains and stops workers that have gone idle, force-
// stops workers that overstay their drain timeout, and tops up each
// template's warm floor. A ticker-driven loop, one runCycle per tick,
// with independent sub-reconcilers per concern that log and continue on
// error rather than aborting the cycle; gated by a coordination lease
// like the scheduler.
package controller
