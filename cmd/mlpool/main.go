// Command mlpool is both the supervisor CLI and, when re-executed with its
// child marker environment variable set, a worker process. The two halves
// share one binary so Spawn never needs to locate a separate executable.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/ml-worker-pool/internal/cli"
	"github.com/ChuLiYu/ml-worker-pool/internal/workerproc"
)

func main() {
	if workerproc.IsChild() {
		os.Exit(workerproc.RunChild())
	}

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
