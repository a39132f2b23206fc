package api

// JoinResponse is returned to the metadata service for injection into the
// instance's vendordata. When enrollment was not requested both fields are
// empty and the instance receives an empty object.
type JoinResponse struct {
	FQDN string `json:"hostname,omitempty"`
	OTP  string `json:"ipaotp,omitempty"`
}

// Enrolled reports whether the response carries an enrollment payload.
func (r JoinResponse) Enrolled() bool {
	return r.FQDN != ""
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
