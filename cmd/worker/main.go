// Package main is the entry point for transcodeorc-worker.
//
// transcodeorc-worker is a distributed transcoding agent: it probes the
// local ffmpeg's encoders, registers with a controller over a websocket
// control channel, and runs leased jobs to completion, streaming progress
// back and uploading finished output over the controller's data plane.
package main

import (
	"os"

	"transcodeorc/cmd/worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
