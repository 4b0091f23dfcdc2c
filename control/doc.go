// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot-reload, logging and runtime metrics layer shared by the
// server, the client dialer and the example applications.
//
// Provides concurrent-safe state handling primitives including:
//   - Typed snapshot config reads and atomic updates
//   - File watching for hot-reload
//   - A leveled logger with a runtime-adjustable threshold
//   - Metrics counters
package control
