// Package broker describes how to reach the queue and result store, builds the
// connection URL and TLS material for it, and owns the live connection.
package broker

import (
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

// VerifyMode is the server certificate requirement when TLS is enabled.
type VerifyMode string

const (
	VerifyNone     VerifyMode = "none"
	VerifyOptional VerifyMode = "optional"
	VerifyRequired VerifyMode = "required"
)

// PasswordMask replaces the password in redacted output.
const PasswordMask = "***"

// ConnectionDescriptor is an immutable description of the broker endpoint.
// Build it with NewDescriptor so certificate paths are absolute.
type ConnectionDescriptor struct {
	Host     string
	Port     int
	DB       int
	Username string
	Password string

	TLS            bool
	VerifyMode     VerifyMode
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
}

// DescriptorOptions carries the raw settings a descriptor is built from.
type DescriptorOptions struct {
	Host           string
	Port           int
	DB             int
	Username       string
	Password       string
	TLS            bool
	VerifyMode     string
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
}

// NewDescriptor builds a descriptor, anchoring relative certificate paths at
// root. The verify mode is normalised to lower case but not validated here;
// BuildURL and TLSConfig reject unknown modes.
func NewDescriptor(root string, o DescriptorOptions) ConnectionDescriptor {
	return ConnectionDescriptor{
		Host:           o.Host,
		Port:           o.Port,
		DB:             o.DB,
		Username:       o.Username,
		Password:       o.Password,
		TLS:            o.TLS,
		VerifyMode:     VerifyMode(strings.ToLower(strings.TrimSpace(o.VerifyMode))),
		CACertPath:     ResolvePath(root, o.CACertPath),
		ClientCertPath: ResolvePath(root, o.ClientCertPath),
		ClientKeyPath:  ResolvePath(root, o.ClientKeyPath),
	}
}

// ResolvePath returns p as a clean absolute path anchored at root. Empty input
// stays empty. Resolving an already resolved path returns it unchanged.
func ResolvePath(root, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	if !filepath.IsAbs(root) {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return filepath.Join(root, p)
}

// Addr is host:port.
func (d ConnectionDescriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Redacted returns a copy whose password is masked.
func (d ConnectionDescriptor) Redacted() ConnectionDescriptor {
	if d.Password != "" {
		d.Password = PasswordMask
	}
	return d
}

// String renders the redacted URL, or a placeholder when the descriptor is invalid.
func (d ConnectionDescriptor) String() string {
	u, err := BuildURL(d, true)
	if err != nil {
		return "<invalid broker descriptor>"
	}
	return u
}
