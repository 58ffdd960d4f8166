// Package api exposes the relay over REST: account and contract registration,
// transaction submission, read-only calls, receipt lookup, the submission
// journal, health and Prometheus metrics.
package api
