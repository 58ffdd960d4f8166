// Package web3 describes the boundary between the relay and EVM ledger nodes:
// the Client interface every node implementation satisfies and the YAML chain
// definition file used to build named clients.
package web3
