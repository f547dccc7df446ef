// Package common holds build-time identifiers shared by binaries.
package common

var (
	// PackageName names the service in metrics and logs.
	PackageName = "sealbid"
	// Version is set at build time via -ldflags.
	Version = "dev"
)
