package execution

import "github.com/prometheus/client_golang/prometheus"

var (
	metricOrdersAttempted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "perpbot_orders_attempted_total", Help: "Orders the gateway tried to submit"})
	metricOrdersPlaced     = prometheus.NewCounter(prometheus.CounterOpts{Name: "perpbot_orders_placed_total", Help: "Orders successfully handed to the venue"})
	metricOrdersFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "perpbot_orders_failed_total", Help: "Orders rejected by the venue or failed in transit"})
	metricOrdersSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "perpbot_orders_suppressed_total", Help: "Submissions blocked before reaching the venue"}, []string{"reason"})
	metricPendingOrders    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "perpbot_pending_orders", Help: "Orders in the local pending map"})
	metricAPIErrors        = prometheus.NewCounter(prometheus.CounterOpts{Name: "perpbot_api_errors_total", Help: "Venue call errors seen by the gateway"})
)

func init() {
	prometheus.MustRegister(
		metricOrdersAttempted, metricOrdersPlaced, metricOrdersFailed,
		metricOrdersSuppressed, metricPendingOrders, metricAPIErrors,
	)
}
