package broker

import (
	"net/url"
	"strconv"
	"strings"

	"taskrelay/internal/domain"
)

const (
	schemePlain   = "redis"
	schemeSecured = "rediss"
)

// certReqsTokens maps a verify mode to the token the broker URL carries.
var certReqsTokens = map[VerifyMode]string{
	VerifyNone:     "CERT_NONE",
	VerifyOptional: "CERT_OPTIONAL",
	VerifyRequired: "CERT_REQUIRED",
}

// CertReqsToken returns the URL token for m, or a ConfigError for an unknown mode.
func CertReqsToken(m VerifyMode) (string, error) {
	tok, ok := certReqsTokens[m]
	if !ok {
		return "", &domain.ConfigError{
			Field:  "broker.ssl_cert_reqs",
			Reason: strconv.Quote(string(m)) + " is not one of none, optional, required",
		}
	}
	return tok, nil
}

// BuildURL renders the connection URL for d. With redact the password is
// replaced by PasswordMask. Equal input yields byte-identical output.
func BuildURL(d ConnectionDescriptor, redact bool) (string, error) {
	var b strings.Builder
	if d.TLS {
		b.WriteString(schemeSecured)
	} else {
		b.WriteString(schemePlain)
	}
	b.WriteString("://")
	if d.Password != "" {
		if redact {
			b.WriteString(url.User(d.Username).String())
			b.WriteString(":" + PasswordMask)
		} else {
			b.WriteString(url.UserPassword(d.Username, d.Password).String())
		}
		b.WriteByte('@')
	}
	b.WriteString(d.Addr())
	b.WriteString("/" + strconv.Itoa(d.DB))
	if !d.TLS {
		return b.String(), nil
	}

	tok, err := CertReqsToken(d.VerifyMode)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("ssl_cert_reqs", tok)
	if d.CACertPath != "" {
		q.Set("ssl_ca_certs", d.CACertPath)
	}
	if d.ClientCertPath != "" {
		q.Set("ssl_certfile", d.ClientCertPath)
	}
	if d.ClientKeyPath != "" {
		q.Set("ssl_keyfile", d.ClientKeyPath)
	}
	b.WriteByte('?')
	b.WriteString(q.Encode())
	return b.String(), nil
}

// SafeURL is BuildURL with redaction, for logs and health output.
func SafeURL(d ConnectionDescriptor) (string, error) {
	return BuildURL(d, true)
}
