package obs

import "github.com/prometheus/client_golang/prometheus"

// Version and Commit are overridden at link time with -ldflags -X.
var (
	Version = "dev"
	Commit  = "unknown"
)

// newBuildInfo is a constant 1 gauge labelled with version and commit.
func newBuildInfo(version, commit string) prometheus.Collector {
	g := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authcore_build_info",
			Help: "Auth core build information.",
		},
		[]string{"version", "commit"},
	)
	g.WithLabelValues(version, commit).Set(1)
	return g
}
