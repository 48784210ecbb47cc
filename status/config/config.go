// Package config configures 'mesh status' clients of a node's admin server.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// TLSConfig configures the client side of TLS to an admin server.
type TLSConfig struct {
	// RootCAs is a PEM file of authorities to verify the admin server's
	// certificate. Defaults to the host root CAs.
	RootCAs string `json:"root_cas" yaml:"root_cas"`

	// Cert and Key are the client certificate presented to admin servers
	// that verify clients with '--admin.tls.client-cas'.
	Cert string `json:"cert" yaml:"cert"`
	Key  string `json:"key" yaml:"key"`

	InsecureSkipVerify bool `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

func (c *TLSConfig) Validate() error {
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("cert and key must be set together")
	}
	return nil
}

func (c *TLSConfig) Load() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.RootCAs != "" {
		b, err := os.ReadFile(c.RootCAs)
		if err != nil {
			return nil, fmt.Errorf("root cas: %s: %w", c.RootCAs, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b) {
			return nil, fmt.Errorf("root cas: %s: no certificates", c.RootCAs)
		}
		tlsConfig.RootCAs = pool
	}
	if c.Cert != "" {
		cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return nil, fmt.Errorf("client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

type ServerConfig struct {
	// URL is the node's admin server URL.
	URL string `json:"url" yaml:"url"`

	// Timeout bounds each status request.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	TLS TLSConfig `json:"tls" yaml:"tls"`
}

func (c *ServerConfig) Validate() error {
	if c.URL == "" {
		return errors.New("missing url")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url: unsupported scheme: %s", u.Scheme)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:     "http://localhost:7947",
			Timeout: time.Second * 15,
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Server.URL,
		"server.url",
		c.Server.URL,
		`
Admin server URL of the mesh node to inspect, which defaults to the local
node's default admin address.`,
	)
	fs.DurationVar(
		&c.Server.Timeout,
		"server.timeout",
		c.Server.Timeout,
		`
Timeout of each status request. Streams with '--follow' are not bounded.`,
	)
	fs.StringVar(
		&c.Server.TLS.RootCAs,
		"server.tls.root-cas",
		c.Server.TLS.RootCAs,
		`
Path to a PEM file of certificate authorities to verify the admin server's
certificate. Defaults to the host root CAs.`,
	)
	fs.StringVar(
		&c.Server.TLS.Cert,
		"server.tls.cert",
		c.Server.TLS.Cert,
		`
Path to a PEM encoded client certificate, for nodes started with
'--admin.tls.client-cas'.`,
	)
	fs.StringVar(
		&c.Server.TLS.Key,
		"server.tls.key",
		c.Server.TLS.Key,
		`
Path to the PEM encoded key of '--server.tls.cert'.`,
	)
	fs.BoolVar(
		&c.Server.TLS.InsecureSkipVerify,
		"server.tls.insecure-skip-verify",
		c.Server.TLS.InsecureSkipVerify,
		`
Accept any certificate presented by the admin server. Only use for testing.`,
	)
}
