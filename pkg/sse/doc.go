// Package sse implements the SSE Relay (C13): a registry of filtered,
// bounded-queue subscribers fed from the event bus. It owns the
// subscription lifecycle and overflow accounting; the HTTP/SSE wire
// framing that turns a Subscription's channel into a byte stream is left
// to whatever transport mounts it, per the relay's pluggable-registry
// contract.
package sse
