// Package entities registers every bulk-transferable entity with the core
// registry. Import this package to ensure all entities are registered.
package entities

// Each entity file uses init() to register its definitions.
