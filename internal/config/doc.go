// Package config handles configuration loading, parsing, and validation
// from various sources (environment variables, files). It provides type-safe
// access to application settings needed by different components while keeping
// configuration details separate from business logic.
//
// Optional integrations (Postgres, Redis, AMQP, object storage, providers)
// are switched on by setting their address or key; when left empty the
// service falls back to its in-memory implementations.
package config
