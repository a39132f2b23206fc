package api

// Lifecycle event types accepted on the notification intake.
const (
	EventInstanceDelete         = "instance.delete"
	EventFloatingIPAssociate    = "floatingip.associate"
	EventFloatingIPDisassociate = "floatingip.disassociate"
)

// Notification is a lifecycle event delivered by the compute platform's
// notification bridge. Delivery is at-least-once and may be reordered
// across instances; Sequence orders events for a single instance.
type Notification struct {
	EventType  string            `json:"event-type"`
	InstanceID string            `json:"instance-id"`
	Hostname   string            `json:"hostname"`
	ProjectID  string            `json:"project-id,omitempty"`
	Address    string            `json:"address,omitempty"`
	Sequence   any               `json:"sequence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ImageMeta  map[string]string `json:"image-metadata,omitempty"`
}
