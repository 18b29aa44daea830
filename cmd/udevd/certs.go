package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"github.com/tripwire/udevd/internal/audit"
)

// loadRSAPublicKey reads a PEM-encoded RSA public key (PKIX or PKCS#1)
// from path, for verifying RS256 Bearer tokens on the query API.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%q: not a PEM file", path)
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%q: not an RSA public key", path)
	}
	return key, nil
}

// openAuditLog opens the hash-chained audit log at path, verifying the
// existing chain first (consistent with audit.Open's own resume
// behavior) and logging the outcome.
func openAuditLog(path string, logger *slog.Logger) (*audit.Logger, error) {
	l, err := audit.Open(path)
	if err != nil {
		logger.Error("failed to open audit log, continuing without it", slog.String("path", path), slog.Any("error", err))
		return nil, err
	}
	logger.Info("audit log opened", slog.String("path", path))
	return l, nil
}
