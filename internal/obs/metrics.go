package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Authentication attempts by method and result.",
		},
		[]string{"method", "result"},
	)

	tokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_verifications_total",
			Help: "Token verifications by outcome.",
		},
		[]string{"outcome"},
	)

	tokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Tokens minted by kind.",
		},
		[]string{"kind"},
	)

	tokenCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_cache_lookups_total",
			Help: "Token cache lookups by result.",
		},
		[]string{"result"},
	)

	certificatesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wa_certificates_active",
		Help: "Currently active identity certificates.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(authAttemptsTotal, tokenVerificationsTotal,
		tokensIssuedTotal, tokenCacheLookups, certificatesActive)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveAuthAttempt(method string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	authAttemptsTotal.WithLabelValues(method, result).Inc()
}

func ObserveVerification(outcome string) {
	tokenVerificationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveIssued(kind string) {
	tokensIssuedTotal.WithLabelValues(kind).Inc()
}

func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	tokenCacheLookups.WithLabelValues(result).Inc()
}

func SetActiveCertificates(n int) {
	certificatesActive.Set(float64(n))
}
