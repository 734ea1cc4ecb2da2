// Package tlsutil builds TLS configurations for the HTTP servers and the
// MQTT sample feed.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// ServerConfig loads the server key pair and, when caFile is set, the CA
// pool used to verify client certificates according to clientAuth.
func ServerConfig(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("tlsutil: certificate and key files are required")
	}

	certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: load key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		ClientAuth:   clientAuth,
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientConfig returns a client TLS configuration that trusts caFile, or
// the system pool when caFile is empty.
func ClientConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
		zap.S().Infof("tls: using custom CA certificate from %s", caFile)
		return cfg, nil
	}

	systemCAs, err := x509.SystemCertPool()
	if err != nil {
		zap.S().Warnf("tls: failed to load system CA pool: %v, using empty pool", err)
		systemCAs = x509.NewCertPool()
	}
	cfg.RootCAs = systemCAs
	return cfg, nil
}

// ParseClientAuth maps a configuration keyword to a tls.ClientAuthType.
func ParseClientAuth(mode string) (tls.ClientAuthType, error) {
	switch mode {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAnyClientCert, nil
	case "verify":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("tlsutil: unknown client auth mode %q", mode)
	}
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("tlsutil: failed to parse CA certificate")
	}
	return pool, nil
}
