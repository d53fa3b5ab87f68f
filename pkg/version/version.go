// Package version holds the engine version string shared by user-agents,
// telemetry resource attributes and the control plane.
package version

// Version is the engine version. Bumped on release.
const Version = "1.4.0"

// ServiceName identifies this service in telemetry resources.
const ServiceName = "xbp-monitoring"
