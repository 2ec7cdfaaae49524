package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds only ghauth metrics so a textfile dump does not include the
// Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	AuthAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghauth_auth_attempts_total",
		Help: "Total number of authentication attempts by flow and result",
	}, []string{"flow", "result"})
	DevicePolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghauth_device_polls_total",
		Help: "Total number of device flow token polls by outcome",
	}, []string{"outcome"})
	CallbackRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghauth_callback_requests_total",
		Help: "Total number of browser flow callback requests by outcome",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(AuthAttempts)
	Registry.MustRegister(DevicePolls)
	Registry.MustRegister(CallbackRequests)
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
