// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pki monta as configurações TLS do web UI, com mTLS opcional.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/nishisan-dev/n-upload/internal/config"
)

// NewServerTLSConfig cria a configuração TLS 1.3 do listener. Com
// cfg.CACert preenchido o client precisa apresentar certificado assinado
// pela CA.
func NewServerTLSConfig(cfg config.WebTLSInfo) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ServerCert, cfg.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.CACert == "" {
		return tlsCfg, nil
	}

	caPool, err := loadCACertPool(cfg.CACert)
	if err != nil {
		return nil, err
	}
	tlsCfg.ClientCAs = caPool
	tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	return tlsCfg, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
