// Package types holds the data model shared by the engine, the gateway and
// the remote cluster client: definitions, executions, states and errors.
package types
