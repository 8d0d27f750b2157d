// Package gateway serves a model.Client behind composable unary and stream
// middleware chains without committing to a transport. A Server wraps a
// provider adapter and exposes handler-shaped Complete and Stream entry
// points that any RPC layer can bind; Client turns the server back into a
// model.Client so in-process callers route provider traffic through the
// same chains. The relay command uses exactly that: the configured provider
// is served through Observe/ObserveStream middleware and handed to the run
// engine as a plain model.Client.
package gateway
