// zwatch reports debounced, classified file changes in a project tree.
package main

import (
	"os"

	"github.com/zeami/zwatch/cmd/zwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
