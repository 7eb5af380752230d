package main

// List of event types a tenant may subscribe its webhook to
var supportedEventTypes = []string{
	// Session lifecycle
	"QR",
	"Authenticated",
	"Ready",
	"Disconnected",
	"AuthFailure",
	"SessionDestroyed",

	// Messaging
	"Message",
	"MessageAck",
	"SendReport",

	// Contact synchronization
	"SyncStarted",
	"SyncCompleted",
	"SyncFailed",

	// Special - receives all events
	"All",
}

// Map for quick validation
var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

// Auxiliary function to validate event type
func isValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}

// S3 Environment Variables Constants
const (
	// Global S3 credentials (read from environment)
	S3_GLOBAL_ACCESS_KEY = "S3_ACCESS_KEY"
	S3_GLOBAL_SECRET_KEY = "S3_SECRET_KEY"
	S3_GLOBAL_ENDPOINT   = "S3_ENDPOINT"
	S3_GLOBAL_REGION     = "S3_REGION"
	S3_GLOBAL_BUCKET     = "S3_BUCKET"
	S3_GLOBAL_PUBLIC_URL = "S3_PUBLIC_URL"
)

// Values a connection reports from its live state query.
const (
	ConnectionStateConnected    = "CONNECTED"
	ConnectionStateDisconnected = "DISCONNECTED"
)
