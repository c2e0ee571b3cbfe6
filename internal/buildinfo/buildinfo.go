// Package buildinfo holds version information injected at build time via ldflags.
package buildinfo

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/strandhub/strand/internal/buildinfo.Version=1.0.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// UserAgent is the product identification sent on every outbound request.
func UserAgent() string {
	return "strand/" + Version + " (WebSub hub; W3C.REC-websub-20180123)"
}
