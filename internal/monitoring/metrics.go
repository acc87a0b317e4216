package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fallback reasons used as the "reason" label on FallbacksTotal.
const (
	ReasonInfeasible = "infeasible"
	ReasonInvalid    = "invalid_input"
	ReasonNoState    = "no_state"
	ReasonError      = "error"
)

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_filter_cycles_total",
		Help: "Completed filter loop cycles",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "safety_filter_cycle_duration_seconds",
		Help:    "Wall time spent computing one filter cycle",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	QPSolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "safety_filter_qp_solve_duration_seconds",
		Help:    "Wall time spent in the ASIF quadratic program",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})

	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_filter_fallbacks_total",
		Help: "Cycles that published the safe-stop control, by reason",
	}, []string{"reason"})

	CorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_filter_corrections_total",
		Help: "Cycles where the filtered control differed from the nominal control",
	})

	OverrunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_filter_overruns_total",
		Help: "Cycles that exceeded the loop period",
	})

	StaleInputsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_filter_stale_inputs_total",
		Help: "Cycles that ran on an input older than the stale window",
	}, []string{"input"})

	PublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_filter_publish_errors_total",
		Help: "Failed control or safety value publishes",
	})

	SafetyValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_filter_safety_value",
		Help: "Safety certificate value at the most recent state",
	})

	CertificateVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_filter_certificate_version",
		Help: "Version of the installed safety certificate",
	})

	CertificateInstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_filter_certificate_installs_total",
		Help: "Certificate install attempts, by result",
	}, []string{"result"})

	TelemetryDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_filter_telemetry_dropped_total",
		Help: "Telemetry records dropped because the buffer was full or the sink failed",
	})
)
