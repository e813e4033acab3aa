package cmd

import (
	"fmt"
	"os"
	"runtime"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// runVersion displays version and environment information.
func runVersion() {
	fmt.Printf("repochat %s\n", AppVersion)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	// Show whether the provider credential is configured, never its value.
	if key := os.Getenv("REPOCHAT_API_KEY"); key != "" {
		fmt.Println("REPOCHAT_API_KEY: configured")
	} else {
		fmt.Println("REPOCHAT_API_KEY: not set")
	}
}
