// Package common provides the shared logging infrastructure for the rowmill
// orchestrator. It is built on logrus for structured logging with output
// routing that directs error-level lines to stderr while everything else goes
// to stdout, so containerized deployments can treat the two streams
// differently.
//
// All orchestrator components log one structured line per boundary event
// (queue.claim, run.start, chunk.end, schedule.tick, ...) carrying the
// request, run, and mapping identifiers involved.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON formatters.
type OutputSplitter struct{}

// Write routes lines containing an error-level marker to stderr and
// everything else to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide default logger. Components receive a logger
// explicitly at construction; this instance is the fallback when none is
// provided.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
