package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "swapdesk_quotes_total", Help: "Quote requests by direction and result"},
		[]string{"direction", "result"},
	)
	StaleQuotesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "swapdesk_stale_quotes_total", Help: "Quote responses discarded by the generation guard"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "swapdesk_notifications_total", Help: "Notifications appended by kind"},
		[]string{"kind"},
	)
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "swapdesk_transactions_total", Help: "Transaction lifecycle transitions"},
		[]string{"backend", "status"},
	)
	HeadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "swapdesk_heads_total", Help: "Chain heads observed"},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(QuotesTotal, StaleQuotesTotal, NotificationsTotal, TransactionsTotal, HeadsTotal)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
