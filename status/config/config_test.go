package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/mesh/pkg/testutil"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{url: "http://localhost:7947", ok: true},
		{url: "https://10.0.0.1:7947", ok: true},
		{url: "", ok: false},
		{url: "ws://localhost:7947", ok: false},
		{url: "://bad", ok: false},
	}
	for _, tt := range tests {
		conf := Default()
		conf.Server.URL = tt.url
		if tt.ok {
			assert.NoError(t, conf.Validate(), tt.url)
		} else {
			assert.Error(t, conf.Validate(), tt.url)
		}
	}
}

func TestConfig_ValidateTimeout(t *testing.T) {
	conf := Default()
	conf.Server.Timeout = 0
	assert.Error(t, conf.Validate())
}

func TestTLSConfig(t *testing.T) {
	files, err := testutil.WriteLocalTLSServerCert(t.TempDir())
	require.NoError(t, err)

	t.Run("default", func(t *testing.T) {
		conf := TLSConfig{}
		require.NoError(t, conf.Validate())

		tlsConfig, err := conf.Load()
		require.NoError(t, err)
		assert.Nil(t, tlsConfig.RootCAs)
		assert.Empty(t, tlsConfig.Certificates)
	})

	t.Run("root cas and client cert", func(t *testing.T) {
		conf := TLSConfig{RootCAs: files.RootCA, Cert: files.Cert, Key: files.Key}
		require.NoError(t, conf.Validate())

		tlsConfig, err := conf.Load()
		require.NoError(t, err)
		assert.NotNil(t, tlsConfig.RootCAs)
		assert.Len(t, tlsConfig.Certificates, 1)
	})

	t.Run("cert without key", func(t *testing.T) {
		conf := TLSConfig{Cert: files.Cert}
		assert.Error(t, conf.Validate())
	})

	t.Run("missing root cas", func(t *testing.T) {
		conf := TLSConfig{RootCAs: files.RootCA + ".missing"}
		_, err := conf.Load()
		assert.Error(t, err)
	})
}
