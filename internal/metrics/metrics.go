// Package metrics holds the Prometheus collectors of the bridge. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fedbridge"

// Metrics owns a private registry and the counters recorded by the federation and bridge paths.
type Metrics struct {
	registry              *prometheus.Registry
	credentialValidations *prometheus.CounterVec
	imports               *prometheus.CounterVec
	externalLookups       *prometheus.CounterVec
	bridgeRequests        *prometheus.CounterVec
	tokenRequests         *prometheus.CounterVec
	httpRequests          *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		credentialValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_validations_total",
			Help:      "External credential checks by result.",
		}, []string{"result"}),
		imports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Reconciliations of external identities by outcome.",
		}, []string{"outcome"}),
		externalLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_lookups_total",
			Help:      "Queries against the external user store.",
		}, []string{"operation", "result"}),
		bridgeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_requests_total",
			Help:      "Legacy bridge token requests by outcome.",
		}, []string{"outcome"}),
		tokenRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_requests_total",
			Help:      "Token endpoint requests by grant type and result.",
		}, []string{"grant_type", "result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) ObserveCredentialValidation(result string) {
	if m == nil {
		return
	}
	m.credentialValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveImport(outcome string) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveExternalLookup(operation, result string) {
	if m == nil {
		return
	}
	m.externalLookups.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) ObserveBridgeRequest(outcome string) {
	if m == nil {
		return
	}
	m.bridgeRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTokenRequest(grantType, result string) {
	if m == nil {
		return
	}
	m.tokenRequests.WithLabelValues(grantType, result).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests by matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
