// analyze runs the patient analysis pipeline from the command line.
//
// Usage:
//
//	analyze run --patient=<id> [--specialty=cardiology] [--reasoning] [--recommendations]
//	analyze run --bundle=path/to/bundle.json [--question="..."]
//	analyze adapters
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
