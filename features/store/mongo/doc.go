// Package mongo provides the MongoDB-backed stores for runs, tasks, the
// cost ledger, memory events, and the run event journal. One Client owns
// the connection and health check; each store wraps a collection behind a
// narrow interface so tests can fake the driver.
//
// The run and task stores declare strict semantics: every operation is a
// single atomic document write, and the state manager serializes writers
// per run, so the strict read-modify-write contract holds without
// multi-document transactions.
package mongo
