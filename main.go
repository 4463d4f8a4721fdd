// Rowmill is a metadata-driven ETL orchestrator: schedules, queues, and
// executes chunked data-movement jobs between relational databases with
// durable checkpoints.
package main

import (
	"os"

	"github.com/rowmill/rowmill/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
