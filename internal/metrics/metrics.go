// Package metrics instruments the engine with Prometheus collectors and
// exposes them over a plain net/http listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decisions counts pipeline outcomes by terminal action.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spfbld_decisions_total",
		Help: "Decision pipeline outcomes by action.",
	}, []string{"action"})

	// Complaints counts SPAM/HAM ticket reports by kind and outcome.
	Complaints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spfbld_complaints_total",
		Help: "Ticket complaint reports by kind (spam/ham) and outcome.",
	}, []string{"kind", "outcome"})

	// StatusTransitions counts reputation status changes caused by
	// complaints.
	StatusTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spfbld_reputation_status_transitions_total",
		Help: "Reputation status changes caused by complaint updates.",
	})

	// DNSQueries counts DNS-list frontend queries by zone type and reply
	// code.
	DNSQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spfbld_dnslist_queries_total",
		Help: "DNS-list frontend queries by zone type and rcode.",
	}, []string{"zone", "rcode"})

	// AbuseEvents counts DNS-list abuse events (FORMERR/NOTAUTH probes).
	AbuseEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spfbld_dnslist_abuse_events_total",
		Help: "Malformed or unauthorized DNS-list queries counted toward source bans.",
	})

	// DroppedConns counts frontend connections/packets dropped by the
	// backpressure cap.
	DroppedConns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spfbld_dropped_connections_total",
		Help: "Connections or packets dropped due to the connection cap.",
	}, []string{"frontend"})

	// LedgerSize tracks the live complaint ledger entry count.
	LedgerSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spfbld_ledger_entries",
		Help: "Live complaint ledger entries.",
	})

	// GossipSent counts reputation deltas pushed to peers.
	GossipSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spfbld_gossip_deltas_sent_total",
		Help: "Reputation deltas pushed to peers.",
	})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
