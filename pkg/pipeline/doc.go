// Package pipeline implements the Instantiation Pipeline (C12): allocate
// ports, fetch and verify the lab artifact, rewrite its topology
// placeholders, import it onto the worker's lab host, and start it
// Each external call is wrapped in avast/retry-go's
// capped exponential backoff; non-transient errors short-circuit the
// retry per pkg/orcherr's transient/permanent classification, matching
// aws-karpenter-provider-aws's own use of avast/retry-go for provider
// calls.
package pipeline
