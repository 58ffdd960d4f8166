// Package account holds per-account sessions and the directory that resolves
// them by name. A session owns its address, private key, chain id and a
// private registry of contract bindings, and orchestrates building, signing
// and submitting transactions as well as read-only calls.
package account
