package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys.
const (
	AttrEnvironment     = attribute.Key("environment")
	AttrSymbol          = attribute.Key("symbol")
	AttrChannel         = attribute.Key("stream.channel")
	AttrConnectionState = attribute.Key("connection.state")
	AttrEventType       = attribute.Key("event.type")
	AttrRateClass       = attribute.Key("ratelimit.class")
	AttrEndpoint        = attribute.Key("http.route")
	AttrErrorKind       = attribute.Key("error.kind")
	AttrOrderStatus     = attribute.Key("order.status")
	AttrIntentSource    = attribute.Key("intent.source")
	AttrResult          = attribute.Key("result")
	AttrStatusCode      = attribute.Key("http.status_code")
)

// Instrument names.
const (
	MetricRESTCalls          = "rest.calls"
	MetricRESTDuration       = "rest.duration"
	MetricRateLimitWait      = "ratelimit.wait.duration"
	MetricRateLimitRejected  = "ratelimit.backpressure"
	MetricStreamReconnects   = "stream.reconnects"
	MetricStreamDesyncs      = "stream.desyncs"
	MetricStreamEvents       = "stream.events"
	MetricLedgerTransitions  = "ledger.transitions"
	MetricCoordinatorIntents = "coordinator.intents"
	MetricBusDropped         = "bus.dropped"
	MetricBusDelivered       = "bus.delivered"
	MetricWebhookRequests    = "webhook.requests"
)

// With prefixes attrs with the environment label.
func With(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)+1)
	out = append(out, AttrEnvironment.String(Environment()))
	return append(out, attrs...)
}
