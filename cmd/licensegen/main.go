// Command licensegen writes license descriptors, signs license tokens and
// prints the usage statistics a node has recorded.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
