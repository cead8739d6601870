// Command s3cacheproxy runs the localhost HTTP caching proxy.
package main

import (
	"fmt"
	"os"

	"github.com/AudereNow/s3cacheproxy/cmd/s3cacheproxy/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
