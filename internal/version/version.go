// Package version carries build metadata injected at link time.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func GetInfo() string {
	if Commit == "none" {
		return Version
	}
	return fmt.Sprintf("%s (%s, built %s)", Version, Commit, Date)
}
