package obs

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adhesion_build_info",
			Help: "Build of the running adhesion binary; always 1.",
		},
		[]string{"version", "commit", "goversion"},
	)

	startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adhesion_start_time_seconds",
		Help: "Unix time the process started serving.",
	})
)

// InitBuildInfo registers the build collectors once and records this binary's version.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo, startTime)
		startTime.Set(float64(time.Now().Unix()))
	})
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
