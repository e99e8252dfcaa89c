package utils

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

func decodeAndWriteToFile(envVar, destPath string) error {
	b64 := os.Getenv(envVar)
	if b64 == "" {
		return fmt.Errorf("missing env var: %s", envVar)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", envVar, err)
	}
	return os.WriteFile(destPath, data, 0600)
}

// DecodeTLS materialises the base64 encoded client certificate, key and CA
// bundle from SERVICE_CERT_BASE64, SERVICE_KEY_BASE64 and CA_PEM_BASE64 into
// dir and loads them.
func DecodeTLS(dir string) (tls.Certificate, *x509.CertPool, error) {
	certPath := filepath.Join(dir, "service.cert")
	keyPath := filepath.Join(dir, "service.key")
	caPath := filepath.Join(dir, "ca.pem")

	if err := decodeAndWriteToFile("SERVICE_CERT_BASE64", certPath); err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("cert write error: %w", err)
	}
	if err := decodeAndWriteToFile("SERVICE_KEY_BASE64", keyPath); err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("key write error: %w", err)
	}
	if err := decodeAndWriteToFile("CA_PEM_BASE64", caPath); err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("ca write error: %w", err)
	}

	keypair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to load TLS keypair: %w", err)
	}

	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return tls.Certificate{}, nil, fmt.Errorf("failed to parse CA PEM")
	}
	return keypair, caCertPool, nil
}
