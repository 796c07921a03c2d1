// Package tlsenv builds client TLS settings from <PREFIX>_TLS_* variables:
// CA, CERT, KEY, INSECURE and SERVER_NAME.
package tlsenv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Client layers the prefix's TLS variables over base. When none is set base
// is returned as is, which may be nil.
func Client(prefix string, base *tls.Config) (*tls.Config, error) {
	caPath := lookup(prefix, "CA")
	certPath := lookup(prefix, "CERT")
	keyPath := lookup(prefix, "KEY")
	serverName := lookup(prefix, "SERVER_NAME")
	skipVerify := Bool(prefix + "_TLS_INSECURE")
	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !skipVerify {
		return base, nil
	}

	name := strings.ToLower(prefix)
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if skipVerify {
		// #nosec G402 -- operator opt-in for self-signed dev clusters.
		cfg.InsecureSkipVerify = true
	}
	if caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%s tls ca read: %w", name, err)
		}
		if cfg.RootCAs == nil {
			cfg.RootCAs = x509.NewCertPool()
		}
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s tls ca parse: %s", name, caPath)
		}
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("%s tls cert/key must be set together", name)
		}
		pair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("%s tls keypair: %w", name, err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// Bool reports whether key holds a truthy value (1, true, yes, y, on).
func Bool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func lookup(prefix, field string) string {
	return strings.TrimSpace(os.Getenv(prefix + "_TLS_" + field))
}
