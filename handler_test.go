package coreproj

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootPartitionResolver(t *testing.T) {
	r := RootPartitionResolver{}

	assert.Equal(t, RootPartition, r.Resolve(Event{StreamID: "customer-1"}))
}

func TestPartitionResolverFunc(t *testing.T) {
	r := PartitionResolverFunc(func(ev Event) string { return ev.StreamID })

	assert.Equal(t, "customer-1", r.Resolve(Event{StreamID: "customer-1"}))
}
