package broker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"taskrelay/internal/domain"
)

// TLSConfig loads the certificate material named by d. It returns nil when TLS
// is disabled.
//
// VerifyOptional verifies the server chain against the CA bundle when one is
// configured and skips verification otherwise; host names are not checked.
func TLSConfig(d ConnectionDescriptor) (*tls.Config, error) {
	if !d.TLS {
		return nil, nil
	}
	if _, err := CertReqsToken(d.VerifyMode); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: d.Host,
	}

	var roots *x509.CertPool
	if d.CACertPath != "" {
		pem, err := os.ReadFile(d.CACertPath)
		if err != nil {
			return nil, &domain.ConfigError{Field: "broker.ssl_ca_certs", Reason: err.Error()}
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, &domain.ConfigError{Field: "broker.ssl_ca_certs", Reason: "no certificates found in " + d.CACertPath}
		}
		cfg.RootCAs = roots
	}

	if d.ClientCertPath != "" || d.ClientKeyPath != "" {
		if d.ClientCertPath == "" || d.ClientKeyPath == "" {
			return nil, &domain.ConfigError{Field: "broker.ssl_certfile", Reason: "client certificate and key must be set together"}
		}
		pair, err := tls.LoadX509KeyPair(d.ClientCertPath, d.ClientKeyPath)
		if err != nil {
			return nil, &domain.ConfigError{Field: "broker.ssl_certfile", Reason: err.Error()}
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	switch d.VerifyMode {
	case VerifyNone:
		cfg.InsecureSkipVerify = true
	case VerifyOptional:
		cfg.InsecureSkipVerify = true
		if roots != nil {
			cfg.VerifyPeerCertificate = verifyChain(roots)
		}
	case VerifyRequired:
	}
	return cfg, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return nil
		}
		certs := make([]*x509.Certificate, 0, len(raw))
		for _, r := range raw {
			c, err := x509.ParseCertificate(r)
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			certs = append(certs, c)
		}
		inter := x509.NewCertPool()
		for _, c := range certs[1:] {
			inter.AddCert(c)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: inter})
		if err != nil {
			return errors.Join(errors.New("broker certificate rejected"), err)
		}
		return nil
	}
}
