// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection layer of the
// hioload-fiber runtime.
//
// Provides concurrent-safe state handling primitives including:
//   - Typed configuration with YAML loading and validation
//   - A config store with snapshot reads and reload listeners
//   - Prometheus collectors for scheduler, reactor, timer and hook activity
//   - Debug probe registration and state export
package control
