package api

import "strings"

// JoinRequest is the payload the compute platform posts when an instance
// asks for dynamic vendordata. Field names follow the platform's dynamic
// JSON contract, hence the hyphenated keys.
type JoinRequest struct {
	Hostname   string            `json:"hostname"`
	InstanceID string            `json:"instance-id"`
	ImageID    string            `json:"image-id"`
	ProjectID  string            `json:"project-id"`
	UserData   string            `json:"user-data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Metadata keys recognized on instances and images.
const (
	// MetaEnroll marks an instance or image for directory enrollment
	// when set to "true" (case-insensitive).
	MetaEnroll = "ipa_enroll"

	// MetaHostclass assigns the host to a directory host class.
	MetaHostclass = "ipa_hostclass"

	// MetaHostLocation records the physical location of the host.
	MetaHostLocation = "ipa_host_location"

	// MetaCompactServices carries a compact JSON map of service name to
	// the networks the service listens on.
	MetaCompactServices = "compact_services"

	// MetaManagedServicePrefix prefixes keys that each carry one managed
	// service principal.
	MetaManagedServicePrefix = "managed_service_"
)

// EnrollRequested reports whether metadata asks for enrollment. The flag
// value is matched case-insensitively.
func EnrollRequested(metadata map[string]string) bool {
	return strings.EqualFold(metadata[MetaEnroll], "true")
}
