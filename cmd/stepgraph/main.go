// Command stepgraph inspects and manages checkpoint threads in any store
// supported by store.Open.
//
// Usage:
//
//	stepgraph --store sqlite://./dev.db history t-1
//	stepgraph --config stepgraph.yaml state t-1 --checkpoint 0191...
//	stepgraph --store redis://localhost:6379/0 delete t-1
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
