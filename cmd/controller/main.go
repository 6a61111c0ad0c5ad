// Package main is the entry point for transcodeorc-controller.
//
// transcodeorc-controller accepts job submissions over its management API,
// dispatches them to connected worker agents over a websocket control
// channel, and serves the byte-range data plane those agents use to fetch
// source media and upload finished output.
package main

import (
	"os"

	"transcodeorc/cmd/controller/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
