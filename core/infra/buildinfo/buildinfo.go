package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/cordum/ingestguard/core/infra/logging"
)

// Set at link time with -ldflags "-X github.com/cordum/ingestguard/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, Commit, Date, runtime.Version())
}

// Log writes the build summary for the named service.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date, "go", runtime.Version())
}
