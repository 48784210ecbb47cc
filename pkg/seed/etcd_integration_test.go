//go:build integration

package seed

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/mesh/pkg/log"
)

// Requires an etcd server, configured with MESH_ETCD_ENDPOINTS.
func TestEtcd(t *testing.T) {
	endpoints := os.Getenv("MESH_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("MESH_ETCD_ENDPOINTS not set")
	}

	conf := DefaultConfig().Etcd
	conf.Endpoints = strings.Split(endpoints, ",")
	// Use a unique prefix to isolate from other tests.
	conf.Prefix = "/mesh-test/" + uuid.NewString() + "/"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	a, err := NewEtcd(conf, log.NewNopLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewEtcd(conf, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, a.Register(ctx, Seed{ID: "node-a", Addr: "10.26.104.56:7946"}))
	require.NoError(t, b.Register(ctx, Seed{ID: "node-b", Addr: "10.26.104.57:7946"}))

	seeds, err := a.Seeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Seed{{ID: "node-b", Addr: "10.26.104.57:7946"}}, seeds)

	// Closing revokes the registration.
	require.NoError(t, b.Close())
	seeds, err = a.Seeds(ctx)
	require.NoError(t, err)
	assert.Empty(t, seeds)
}
