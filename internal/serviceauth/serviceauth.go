// Package serviceauth holds the header names services use to identify
// themselves and the acting owner when calling each other inside the mesh.
package serviceauth

const (
	// OwnerHeader carries the relay identity a secret is owned by.
	OwnerHeader = "X-Owner-Identity"
	// ServiceIDHeader propagates the calling service's identity in
	// development environments where verified mTLS identity is unavailable.
	ServiceIDHeader = "X-Service-ID"
)
