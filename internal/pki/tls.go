// Package pki fornece funções para configuração de TLS de transporte
// do protocolo N-Talk. O TLS é opcional: quando habilitado, o server
// apresenta certificado e o client valida contra uma CA; a autenticação
// de usuários continua sendo feita pelo protocolo (login/senha).
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewServerTLSConfig cria uma configuração TLS 1.3 para o server.
func NewServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// NewClientTLSConfig cria uma configuração TLS 1.3 para o client.
// Se caCertPath for vazio, usa o pool de CAs do sistema. serverName
// sobrepõe o hostname usado na validação do certificado (vazio = host
// do endereço de conexão).
func NewClientTLSConfig(caCertPath, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: serverName,
	}

	if caCertPath != "" {
		pool, err := loadCACertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
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
