// Package mixpanel holds the data model shared across the transport,
// shaping, export, live-query, storage, and fetch components: Credentials,
// regional endpoint derivation, normalized/raw record shapes, and the
// uniform result values returned by every live query.
package mixpanel

import "fmt"

// Region is one of the three Provider deployment regions.
type Region string

const (
	RegionUS Region = "US"
	RegionEU Region = "EU"
	RegionIN Region = "IN"
)

// Credentials is an immutable bundle of authentication material. It is
// constructed once per Workspace and never mutated. String and GoString
// substitute a fixed placeholder for the secret.
type Credentials struct {
	Account   string
	secret    string
	ProjectID string
	Region    Region
}

// NewCredentials builds an immutable Credentials value. Region defaults to
// RegionUS when empty.
func NewCredentials(account, secret, projectID string, region Region) Credentials {
	if region == "" {
		region = RegionUS
	}
	return Credentials{Account: account, secret: secret, ProjectID: projectID, Region: region}
}

// Secret returns the shared secret for use in building the auth header.
// Never log or print the return value.
func (c Credentials) Secret() string {
	return c.secret
}

const redactedPlaceholder = "***redacted***"

// String never reveals Secret, so Credentials is safe to pass to a logger
// or %v format verb.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Account:%s ProjectID:%s Region:%s Secret:%s}",
		c.Account, c.ProjectID, c.Region, redactedPlaceholder)
}

// GoString backs %#v, which would otherwise expose the unexported secret
// field's value through reflection-free formatting.
func (c Credentials) GoString() string {
	return c.String()
}

// regionEndpoints maps each region to the Provider's query API base URL.
// Total over the Region enumeration.
var regionEndpoints = map[Region]string{
	RegionUS: "https://mixpanel.com/api",
	RegionEU: "https://eu.mixpanel.com/api",
	RegionIN: "https://in.mixpanel.com/api",
}

// exportEndpoints maps each region to the bulk event-export host, which
// lives under data.mixpanel.com rather than the query API host.
var exportEndpoints = map[Region]string{
	RegionUS: "https://data.mixpanel.com/api",
	RegionEU: "https://data-eu.mixpanel.com/api",
	RegionIN: "https://data-in.mixpanel.com/api",
}

// Endpoint returns the query API base URL for the region. Falls back to
// RegionUS for an unrecognized region value rather than panicking, since the
// function must be total over the enumeration per spec §3.
func (r Region) Endpoint() string {
	if url, ok := regionEndpoints[r]; ok {
		return url
	}
	return regionEndpoints[RegionUS]
}

// ExportEndpoint returns the bulk-export host base URL for the region.
func (r Region) ExportEndpoint() string {
	if url, ok := exportEndpoints[r]; ok {
		return url
	}
	return exportEndpoints[RegionUS]
}
