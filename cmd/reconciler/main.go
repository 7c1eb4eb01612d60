// reconciler launches ready study jobs on the configured compute backend,
// garbage-collects finished resources and reports failed jobs to the result
// store. It runs one pass and exits (run, check-errors) or keeps polling (serve).
package main

import (
	"log/slog"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := newRootCmd(nil).Execute(); err != nil {
		slog.Error("Reconciler failed", "error", err)
		os.Exit(1)
	}
}
