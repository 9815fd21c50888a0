// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the edge-triggered readiness multiplexer the
// IOManager blocks in: epoll on Linux, with a self-pipe so other threads can
// break a blocked wait. Other platforms get a stub that reports the reactor
// as unsupported.
package reactor
