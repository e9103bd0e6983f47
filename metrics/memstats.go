package metrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// ReportMemstatsMetrics registers the runtime memstats gauges and refreshes
// them every 10 seconds. It blocks forever.
func ReportMemstatsMetrics() {
	gometrics.RegisterRuntimeMemStats(gometrics.DefaultRegistry)
	gometrics.CaptureRuntimeMemStats(gometrics.DefaultRegistry, 10*time.Second)
}
