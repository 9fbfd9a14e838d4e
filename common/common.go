// Package common holds build metadata and the logger setup shared by all binaries.
package common

const PackageName = "github.com/ruteri/attested-shard-router"

// Version is set at build time via -ldflags "-X ...common.Version=<tag>".
var Version = "dev"
