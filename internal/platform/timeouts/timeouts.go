// Package timeouts defines shared timeout constants used across the
// module. Centralizing these values prevents drift between the backend
// client, the session manager, and the service binary.
package timeouts

import "time"

// BackendRequest caps a single HTTP call to the identity backend.
const BackendRequest = 15 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
