package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var errTLSMaterial = errors.New("tls material")

// TLSConfig describes the listener certificates shared by the ops HTTP and
// gRPC listeners. ClientCAFile enables optional client certificates;
// RequireClientCert makes them mandatory.
type TLSConfig struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
	MinVersionTLS13   bool
}

// TLS 1.2 suites limited to forward-secret AEAD ciphers. TLS 1.3 suites are
// not configurable.
var tls12Suites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// BuildTLSConfig returns nil when TLS is disabled.
func BuildTLSConfig(c TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("%w: tls is enabled but ESCROW_TLS_CERT_FILE/ESCROW_TLS_KEY_FILE are not set", errTLSMaterial)
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: load keypair: %v", errTLSMaterial, err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: tls12Suites,
	}
	if c.MinVersionTLS13 {
		cfg.MinVersion = tls.VersionTLS13
	}

	switch {
	case c.RequireClientCert && c.ClientCAFile == "":
		return nil, fmt.Errorf("%w: client certificates required but no client ca file set", errTLSMaterial)
	case c.ClientCAFile != "":
		pool, err := loadCertPool(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if c.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read client ca: %v", errTLSMaterial, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", errTLSMaterial, path)
	}
	return pool, nil
}
