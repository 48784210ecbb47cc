package admin

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/andydunstall/mesh/pkg/log"
)

// TLSConfig configures TLS on the admin listener. TLS is enabled when either
// the cert or key is set.
type TLSConfig struct {
	Cert string `json:"cert" yaml:"cert"`
	Key  string `json:"key" yaml:"key"`

	// ClientCAs is a PEM file of the authorities operators' client
	// certificates must be signed by. If empty client certificates are not
	// requested.
	ClientCAs string `json:"client_cas" yaml:"client_cas"`
}

func (c *TLSConfig) Enabled() bool {
	return c.Cert != "" || c.Key != ""
}

func (c *TLSConfig) Validate() error {
	if !c.Enabled() {
		if c.ClientCAs != "" {
			return errors.New("client cas requires a cert and key")
		}
		return nil
	}
	if c.Cert == "" {
		return errors.New("missing cert")
	}
	if c.Key == "" {
		return errors.New("missing key")
	}
	return nil
}

// Load returns the listener's TLS config, or nil if TLS is disabled.
func (c *TLSConfig) Load() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.ClientCAs != "" {
		pool, err := loadCertPool(c.ClientCAs)
		if err != nil {
			return nil, fmt.Errorf("client cas: %w", err)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

type Config struct {
	// BindAddr is the address to listen for admin requests.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	TLS TLSConfig `json:"tls" yaml:"tls"`

	AccessLog log.AccessLogConfig `json:"access_log" yaml:"access_log"`
}

func DefaultConfig() Config {
	return Config{
		BindAddr: ":7947",
	}
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return errors.New("missing bind addr")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to serve the admin API on, which exposes the node's health,
readiness, Prometheus metrics and status.

Defaults to ':7947', the port after the default gossip port.`,
	)
	fs.StringVar(
		&c.TLS.Cert,
		"admin.tls.cert",
		c.TLS.Cert,
		`
Path to a PEM encoded certificate to serve the admin API over TLS.`,
	)
	fs.StringVar(
		&c.TLS.Key,
		"admin.tls.key",
		c.TLS.Key,
		`
Path to the PEM encoded key of '--admin.tls.cert'.`,
	)
	fs.StringVar(
		&c.TLS.ClientCAs,
		"admin.tls.client-cas",
		c.TLS.ClientCAs,
		`
Path to a PEM file of certificate authorities. If set, admin clients must
present a certificate signed by one of them, such as 'mesh status' run with
an operator certificate.`,
	)
	c.AccessLog.RegisterFlags(fs, "admin")
}

func loadCertPool(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("parse: %s: no certificates", path)
	}
	return pool, nil
}
