// Package testutil contains helpers shared by tests.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// TLSFiles contains the paths of PEM encoded TLS files.
type TLSFiles struct {
	RootCA string
	Cert   string
	Key    string
}

// LocalTLSServerCert creates a root CA and a certificate for 127.0.0.1,
// signed by the root CA, valid for both server and client auth.
func LocalTLSServerCert() (*x509.CertPool, tls.Certificate, error) {
	rootCert, certPEM, keyPEM, err := localCert()
	if err != nil {
		return nil, tls.Certificate{}, err
	}

	serverTLSCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("server key pair: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(rootCert)
	return pool, serverTLSCert, nil
}

// WriteLocalTLSServerCert creates a root CA and server certificate like
// LocalTLSServerCert and writes them to PEM files in dir.
func WriteLocalTLSServerCert(dir string) (TLSFiles, error) {
	rootCert, certPEM, keyPEM, err := localCert()
	if err != nil {
		return TLSFiles{}, err
	}

	files := TLSFiles{
		RootCA: filepath.Join(dir, "ca.pem"),
		Cert:   filepath.Join(dir, "cert.pem"),
		Key:    filepath.Join(dir, "key.pem"),
	}
	rootPEM := pem.EncodeToMemory(&pem.Block{
		Type: "CERTIFICATE", Bytes: rootCert.Raw,
	})
	for path, b := range map[string][]byte{
		files.RootCA: rootPEM,
		files.Cert:   certPEM,
		files.Key:    keyPEM,
	} {
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return TLSFiles{}, fmt.Errorf("write %s: %w", path, err)
		}
	}
	return files, nil
}

// localCert returns the root CA and the PEM encoded server certificate and
// key.
func localCert() (*x509.Certificate, []byte, []byte, error) {
	rootPub, rootKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate key: %w", err)
	}
	rootTemplate, err := certTemplate()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("root cert template: %w", err)
	}
	rootTemplate.IsCA = true
	rootTemplate.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature

	rootCert, err := cert(rootTemplate, rootTemplate, rootPub, rootKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("root cert: %w", err)
	}

	serverPub, serverKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serverTemplate, err := certTemplate()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("server cert template: %w", err)
	}
	serverTemplate.KeyUsage = x509.KeyUsageDigitalSignature
	serverTemplate.ExtKeyUsage = []x509.ExtKeyUsage{
		x509.ExtKeyUsageServerAuth,
		x509.ExtKeyUsageClientAuth,
	}
	serverTemplate.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}

	// Sign the cert using the root CA.
	serverCert, err := cert(serverTemplate, rootCert, serverPub, rootKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("server cert: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(serverKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type: "CERTIFICATE", Bytes: serverCert.Raw,
	})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type: "PRIVATE KEY", Bytes: keyDER,
	})
	return rootCert, certPEM, keyPEM, nil
}

func cert(
	template *x509.Certificate,
	parent *x509.Certificate,
	publicKey any,
	parentPrivateKey any,
) (*x509.Certificate, error) {
	certDER, err := x509.CreateCertificate(
		rand.Reader, template, parent, publicKey, parentPrivateKey,
	)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return x509.ParseCertificate(certDER)
}

func certTemplate() (*x509.Certificate, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	return &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"Mesh"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour * 24),
		BasicConstraintsValid: true,
	}, nil
}
