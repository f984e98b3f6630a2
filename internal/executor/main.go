package executor

import (
	"context"
	"fmt"
	"os"

	"github.com/mattjoyce/workfarm/internal/log"
)

// LogLevelEnv selects the worker's log level. Worker logs go to stderr.
const LogLevelEnv = "WORKFARM_LOG_LEVEL"

// Main serves m over stdin/stdout and exits the process when the farm closes
// the channel.
func Main(m Module) {
	log.Setup(os.Getenv(LogLevelEnv))

	if err := Serve(context.Background(), m, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
