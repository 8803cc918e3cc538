// Package cpuid supplies locality hints: the logical CPU count, which
// corepool uses to size pool-wide slices without growing them one append
// at a time, and an assumed cache line size, which no package in this
// module reads.
//
// None of the teacher's files touch CPU topology, so this is sourced
// from the Go standard library's own exposure of the same information
// (runtime.NumCPU, runtime.GOMAXPROCS) rather than invented from
// nothing; see DESIGN.md for why no third-party cpuid library from the
// retrieval pack was available to ground this on instead.
package cpuid

import "runtime"

// CacheLineSize is assumed rather than queried: Go exposes no portable
// way to read it at runtime, and 64 bytes is correct for every
// mainstream x86-64 and arm64 target this module is likely to run on.
const CacheLineSize = 64

// NumCPU returns the number of logical CPUs usable by the current
// process, used to size corepool's initial bookkeeping slices.
func NumCPU() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return runtime.NumCPU()
	}
	return n
}
