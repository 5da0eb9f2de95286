// Package gateway provides the public API for embedding the gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/crudgate/crudgate/internal/runtime"
)

// Gateway is the main entry point for running the gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithConfigFile("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	WithConfigFile = runtime.WithConfigFile
	WithLogger     = runtime.WithLogger

	// Cache backends
	WithMemoryCache = runtime.WithMemoryCache
	WithRedisCache  = runtime.WithRedisCache

	// Local entity repositories
	WithRepository = runtime.WithRepository
)
