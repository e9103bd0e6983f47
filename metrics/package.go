// Package metrics provides easy methods to send metrics
package metrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Mark increases the meter metric with the given name by 1
func Mark(name string) {
	gometrics.GetOrRegisterMeter(name, gometrics.DefaultRegistry).Mark(1)
}

// Gauge sets a gauge metric to a given value
func Gauge(name string, value int64) {
	gometrics.GetOrRegisterGauge(name, gometrics.DefaultRegistry).Update(value)
}

// TimeSince updates the timer with the given name with time.Since(timestamp)
func TimeSince(name string, timestamp time.Time) {
	gometrics.GetOrRegisterTimer(name, gometrics.DefaultRegistry).UpdateSince(timestamp)
}

// Count returns the number of marks recorded on the named meter, zero when it
// was never marked.
func Count(name string) int64 {
	m, ok := gometrics.DefaultRegistry.Get(name).(gometrics.Meter)
	if !ok {
		return 0
	}
	return m.Count()
}
