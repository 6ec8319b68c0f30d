// Package main provides the peerpulse binary entry point.
// PeerPulse is the response orchestration service for a self/peer
// assessment chat system: it keeps every user-facing step inside the
// interactive budget by racing live model calls against cache lookups
// and static fallbacks, and completes downgraded answers out of band.
package main

import (
	"fmt"
	"os"
	"runtime"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
