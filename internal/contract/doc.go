// Package contract binds ABI descriptors to deployed addresses and converts
// between JSON request arguments, call data and caller-facing results.
package contract
