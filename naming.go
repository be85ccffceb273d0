package coreproj

import "fmt"

// NamingBuilder derives the well-known stream names a projection owns. The
// source this runtime is modeled on kept this behind a package-level
// singleton; here it is threaded through construction as an explicit
// dependency of CoreProjection so tests can supply their own layout without
// mutating shared state.
type NamingBuilder interface {
	CheckpointStream(projectionName string) string
	PartitionStateStream(projectionName, partition string) string
	PartitionCatalogStream(projectionName string) string
}

// DefaultNamingBuilder reproduces the conventional `$projections-<name>-*`
// layout.
type DefaultNamingBuilder struct{}

func (DefaultNamingBuilder) CheckpointStream(projectionName string) string {
	return fmt.Sprintf("$projections-%s-checkpoint", projectionName)
}

func (DefaultNamingBuilder) PartitionStateStream(projectionName, partition string) string {
	return fmt.Sprintf("$projections-%s-%s-state", projectionName, partition)
}

func (DefaultNamingBuilder) PartitionCatalogStream(projectionName string) string {
	return fmt.Sprintf("$projections-%s-partitions", projectionName)
}
