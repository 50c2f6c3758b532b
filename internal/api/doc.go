// Package api hosts the HTTP handlers of the media API.
//
// Handlers parse and validate requests and shape JSON responses. Chunk
// storage, job scheduling and streaming are delegated to collaborators
// injected through Config. Routing, authentication and rate limiting are
// applied by internal/server before a handler runs.
package api
