package scripting

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/actions"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/protocol"
)

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_executions_total",
		Help: "Total number of script executions by script type, status, and error kind.",
	}, []string{"script_type", "status", "kind"})

	executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anvil_execution_duration_seconds",
		Help:    "Script execution duration from slot acquisition to result.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"script_type"})

	hostCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_host_calls_total",
		Help: "Total number of host API calls made by scripts by method and outcome.",
	}, []string{"method", "outcome"})
)

// Host call outcomes.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeUnknown = "unknown"
)

// otherScriptType labels executions of script types outside the known set.
const otherScriptType = "other"

var knownScriptTypes = map[string]bool{
	model.ScriptScheduledTask:   true,
	model.ScriptQueuedTask:      true,
	model.ScriptServerEvent:     true,
	model.ScriptEndpointRequest: true,
}

func init() {
	prometheus.MustRegister(executionsTotal, executionDuration, hostCallsTotal)

	for _, s := range []protocol.Status{protocol.StatusSuccess, protocol.StatusError} {
		executionsTotal.WithLabelValues("ScheduledTask", string(s), "")
	}
	for _, m := range actions.All() {
		for _, o := range []string{outcomeOK, outcomeError} {
			hostCallsTotal.WithLabelValues(string(m.Method), o)
		}
	}
}

// hostCallLabel keeps the method label bounded to the known set.
func hostCallLabel(method string) string {
	if actions.Known(actions.Method(method)) {
		return method
	}
	return "unknown"
}

// scriptTypeLabel keeps the script_type label bounded to the known set.
func scriptTypeLabel(scriptType string) string {
	if knownScriptTypes[scriptType] {
		return scriptType
	}
	return otherScriptType
}
