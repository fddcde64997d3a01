// Package certs issues self-signed per-hostname certificates for local
// HTTPS virtual hosts.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultValidity = 825 * 24 * time.Hour
	renewBefore     = 30 * 24 * time.Hour
	organization    = "stackr local development"
)

// Issuer writes {host}.crt and {host}.key into Dir.
type Issuer struct {
	Dir      string
	Validity time.Duration
	now      func() time.Time
}

func NewIssuer(dir string) *Issuer {
	return &Issuer{Dir: dir, Validity: defaultValidity, now: time.Now}
}

// Paths returns the certificate and key file for host.
func (i *Issuer) Paths(host string) (certPath, keyPath string) {
	return filepath.Join(i.Dir, host+".crt"), filepath.Join(i.Dir, host+".key")
}

// Exists reports whether a certificate file for host is present.
func (i *Issuer) Exists(host string) bool {
	c, _ := i.Paths(host)
	_, err := os.Stat(c)
	return err == nil
}

// Ensure issues a certificate for host unless a valid one that does not
// expire within 30 days already exists. It reports whether a new one was
// written.
func (i *Issuer) Ensure(host string, aliases ...string) (bool, error) {
	if host == "" {
		return false, errors.New("empty hostname")
	}
	certPath, keyPath := i.Paths(host)
	if cert, err := Load(certPath); err == nil {
		if _, kerr := os.Stat(keyPath); kerr == nil && cert.NotAfter.After(i.clock().Add(renewBefore)) {
			return false, nil
		}
	}
	dns := append([]string{host, "*." + host}, aliases...)
	err := Generate(CertConfig{
		CommonName:   host,
		Organization: organization,
		DNSNames:     dns,
		IPAddresses:  []string{"127.0.0.1", "::1"},
		NotBefore:    i.clock().Add(-time.Hour),
		NotAfter:     i.clock().Add(i.validity()),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
	return err == nil, err
}

func (i *Issuer) clock() time.Time {
	if i.now == nil {
		return time.Now()
	}
	return i.now()
}

func (i *Issuer) validity() time.Duration {
	if i.Validity <= 0 {
		return defaultValidity
	}
	return i.Validity
}

// CertConfig holds configuration for certificate generation
type CertConfig struct {
	CommonName   string
	Organization string
	DNSNames     []string
	IPAddresses  []string
	NotBefore    time.Time
	NotAfter     time.Time
	CertPath     string
	KeyPath      string
}

// Generate writes a self-signed certificate and its PKCS#8 private key.
func Generate(cfg CertConfig) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return fmt.Errorf("failed to generate serial: %w", err)
	}
	notBefore := cfg.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now()
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cfg.CommonName,
			Organization: []string{cfg.Organization},
		},
		NotBefore:             notBefore,
		NotAfter:              cfg.NotAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              cfg.DNSNames,
	}
	for _, ipStr := range cfg.IPAddresses {
		if ip := net.ParseIP(ipStr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.CertPath), 0o750); err != nil {
		return err
	}
	if err := writePEM(cfg.KeyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := writePEM(cfg.CertPath, "CERTIFICATE", certDER, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

// Load parses the first certificate in a PEM file.
func Load(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no certificate found", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func writePEM(path, typ string, der []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) // #nosec G304
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
