package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStaticServices(t *testing.T) {
	services, err := ParseStaticServices(`[{"name":"database","url":"http://db-tools:8001/sse"}]`)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "database", services[0].Name)
	assert.Equal(t, "http://db-tools:8001/sse", services[0].URL)
}

func TestParseStaticServices_Empty(t *testing.T) {
	services, err := ParseStaticServices("")
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestParseStaticServices_Invalid(t *testing.T) {
	_, err := ParseStaticServices(`{"name":"x"}`)
	assert.Error(t, err)

	_, err = ParseStaticServices(`[{"name":"x"}]`)
	assert.Error(t, err)
}

func TestStore_RegisterUpsertsByURL(t *testing.T) {
	s := NewStore()

	first := s.Register("schema-tools", "http://tools:8001/sse")
	assert.Equal(t, StatusHealthy, first.Status)

	// Re-registration under a new name replaces the record, not adds one.
	s.Register("schema-tools-v2", "http://tools:8001/sse")

	providers := s.List()
	require.Len(t, providers, 1)
	assert.Equal(t, "schema-tools-v2", providers[0].Name)
}

func TestStore_SeedMarksStatic(t *testing.T) {
	s := NewStore()
	s.Seed([]StaticService{{Name: "database", URL: "http://db:8001/sse"}})

	providers := s.List()
	require.Len(t, providers, 1)
	assert.True(t, providers[0].IsStatic)
	assert.Equal(t, StatusUnknown, providers[0].Status)
}

func TestStore_RegisterKeepsStaticFlag(t *testing.T) {
	s := NewStore()
	s.Seed([]StaticService{{Name: "database", URL: "http://db:8001/sse"}})

	s.Register("database", "http://db:8001/sse")

	providers := s.List()
	require.Len(t, providers, 1)
	assert.True(t, providers[0].IsStatic)
	assert.Equal(t, StatusHealthy, providers[0].Status)
}

func TestStore_MarkUnhealthy_DynamicRemoved(t *testing.T) {
	s := NewStore()
	s.Register("analytics", "http://analytics:8002/sse")

	s.MarkUnhealthy("http://analytics:8002/sse", "unhealthy (503)")

	assert.Empty(t, s.List())
}

func TestStore_MarkUnhealthy_StaticKept(t *testing.T) {
	s := NewStore()
	s.Seed([]StaticService{{Name: "database", URL: "http://db:8001/sse"}})

	s.MarkUnhealthy("http://db:8001/sse", "unhealthy (500)")

	providers := s.List()
	require.Len(t, providers, 1)
	assert.Equal(t, "unhealthy (500)", providers[0].Status)
}

func TestStore_ListSorted(t *testing.T) {
	s := NewStore()
	s.Register("beta", "http://b:1/sse")
	s.Register("alpha", "http://a:1/sse")

	providers := s.List()
	require.Len(t, providers, 2)
	assert.Equal(t, "alpha", providers[0].Name)
	assert.Equal(t, "beta", providers[1].Name)
}
