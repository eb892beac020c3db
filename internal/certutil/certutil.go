// Package certutil manages the self-signed certificate a node presents on its
// overlay links. Nodes pin each other's certificate fingerprint, so no CA is
// involved.
package certutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/sha256-simd"
)

const (
	// DefaultValidity is the lifetime of generated node certificates.
	DefaultValidity = 10 * 365 * 24 * time.Hour

	// RenewBefore is how close to expiry a stored certificate is replaced.
	RenewBefore = 30 * 24 * time.Hour

	certFileName = "node.crt"
	keyFileName  = "node.key"

	organization = "pfd-agent"

	pemCertificate = "CERTIFICATE"
	pemPrivateKey  = "PRIVATE KEY"
)

// ErrKeyMismatch is returned when a stored key does not belong to the
// stored certificate.
var ErrKeyMismatch = errors.New("private key does not match certificate")

// NodeCert is a node certificate with its Ed25519 key.
type NodeCert struct {
	Certificate *x509.Certificate
	PrivateKey  ed25519.PrivateKey

	CertPEM []byte
	KeyPEM  []byte
}

// Fingerprint returns the certificate's pinned fingerprint.
func (nc *NodeCert) Fingerprint() string {
	return Fingerprint(nc.Certificate)
}

// TLSCertificate returns the pair in the form crypto/tls wants.
func (nc *NodeCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(nc.CertPEM, nc.KeyPEM)
}

// Save writes the certificate and key into dir. Each file is written to a
// temporary name and renamed, so a crash never leaves half a key behind.
func (nc *NodeCert) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, keyFileName), nc.KeyPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, certFileName), nc.CertPEM, 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Generate creates a self-signed certificate for commonName, usable on both
// ends of a link.
func Generate(commonName string, validFor time.Duration) (*NodeCert, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{organization}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	return Parse(
		pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: keyDER}),
	)
}

// Load reads the certificate and key stored in dir.
func Load(dir string) (*NodeCert, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, certFileName))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return Parse(certPEM, keyPEM)
}

// LoadOrCreate loads the certificate stored in dir. A missing, unusable or
// nearly expired certificate is replaced by a fresh one; created reports that.
func LoadOrCreate(dir, commonName string) (nc *NodeCert, created bool, err error) {
	nc, err = Load(dir)
	switch {
	case err == nil && !IsExpiringSoon(nc.Certificate, RenewBefore):
		return nc, false, nil
	case err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrKeyMismatch):
		return nil, false, err
	}

	nc, err = Generate(commonName, DefaultValidity)
	if err != nil {
		return nil, false, err
	}
	if err := nc.Save(dir); err != nil {
		return nil, false, err
	}
	return nc, true, nil
}

// Parse decodes a PEM certificate and PKCS#8 Ed25519 key and checks that
// they belong together.
func Parse(certPEM, keyPEM []byte) (*NodeCert, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != pemCertificate {
		return nil, errors.New("no certificate PEM block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != pemPrivateKey {
		return nil, errors.New("no PKCS#8 private key PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want ed25519", key)
	}

	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || !bytes.Equal(pub, priv.Public().(ed25519.PublicKey)) {
		return nil, ErrKeyMismatch
	}

	return &NodeCert{
		Certificate: cert,
		PrivateKey:  priv,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// Fingerprint is "sha256:" followed by the hex digest of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyFingerprint reports whether cert has the expected fingerprint,
// ignoring case.
func VerifyFingerprint(cert *x509.Certificate, expected string) bool {
	return cert != nil && strings.EqualFold(Fingerprint(cert), expected)
}

// IsExpiringSoon reports whether cert expires within the given window.
func IsExpiringSoon(cert *x509.Certificate, within time.Duration) bool {
	return time.Now().Add(within).After(cert.NotAfter)
}
