package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/wmproxy/wmproxy/internal/config"
	"github.com/wmproxy/wmproxy/internal/listener"
)

// clientTLSConfig builds the outbound TLS config a center client uses to
// dial server_addr (spec.md §4.4: "wrap with the provided client config
// using the configured SNI").
func clientTLSConfig(tc config.TLSConfig) (*tls.Config, error) {
	if !tc.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{ServerName: tc.SNI}
	if tc.CAFile != "" {
		pem, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s contains no usable certificates", tc.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// serverTLSConfig builds the inbound TLS config a tunnel-accept or public
// listener presents, preferring a multi-SNI resolver when configured
// (spec.md §4.8).
func serverTLSConfig(sniCerts []config.SNICert, tc config.TLSConfig) (*tls.Config, error) {
	if len(sniCerts) > 0 {
		return listener.SNIResolver(sniCerts)
	}
	if tc.Enabled && tc.CertFile != "" {
		return listener.SingleCertConfig(tc.CertFile, tc.KeyFile)
	}
	return nil, nil
}
