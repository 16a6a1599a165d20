// Package definitions bundles the stock workflow definitions so the service
// can start without a definitions directory.
package definitions

import "embed"

// FS holds every *.yaml definition in this directory.
//
//go:embed *.yaml
var FS embed.FS
