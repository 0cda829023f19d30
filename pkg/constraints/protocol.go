package constraints

// Headers exchanged between the hub, producers and webhook receivers.
const (
	HeaderAPIKey       = "X-Api-Key"
	HeaderAdminKey     = "X-Admin-Key"
	HeaderSignature    = "X-Signature-256"
	HeaderEventID      = "X-Event-Id"
	HeaderEventType    = "X-Event-Type"
	HeaderSourceSystem = "X-Source-System"
	HeaderAttempt      = "X-Delivery-Attempt"
	HeaderTraceID      = "X-Trace-ID"
)

// SignaturePrefix precedes the hex HMAC in HeaderSignature.
const SignaturePrefix = "sha256="

// DefaultInboundEventType is used for inbound webhooks that carry no X-Event-Type.
const DefaultInboundEventType = "webhook.received"

// WildcardEventType subscribes an endpoint to every event type.
const WildcardEventType = "*"
