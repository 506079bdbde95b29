// Package cloudadapter is the Cloud Adapter SPI (C7): create, start,
// stop, terminate, and describe the VMs backing Worker aggregates.
// Adapter is deliberately thin and provider-agnostic; EC2Adapter is the
// concrete implementation grounded on aws-sdk-go-v2, the same stack the
// example pack's AWS-facing repo uses to drive EC2 instance lifecycle.
// Each call is a suspension point and is made exactly once; the adapter
// has no retry of its own, and pkg/controller calls it without a retry
// wrapper.
package cloudadapter
