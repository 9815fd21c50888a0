// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

// Package fake provides scriptable test doubles for the runtime's two
// kernel-facing seams: the readiness reactor and the syscall provider.
package fake
