// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// PKCS#12 keystore loading and generation.
//
// The channel uses a self-signed trust model: the keystore holds one key pair
// and its certificate, and the same certificate is the only trust anchor.

package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/jeranaias/paylink/internal/util"
	"software.sslmate.com/src/go-pkcs12"
)

// =============================================================================
// KEYSTORE
// =============================================================================

// KeyStore is a decoded PKCS#12 store.
type KeyStore struct {
	// Certificate is the key pair presented during the TLS handshake.
	Certificate tls.Certificate
	// Leaf is the store's own certificate.
	Leaf *x509.Certificate
	// Pool contains the leaf and any chain certificates; nothing else is trusted.
	Pool *x509.CertPool
}

// LoadKeyStore reads and decodes the PKCS#12 file at path.
func LoadKeyStore(path, password string) (*KeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnreadable, err)
	}
	return ParseKeyStore(data, password)
}

// ParseKeyStore decodes PKCS#12 bytes.
func ParseKeyStore(data []byte, password string) (*KeyStore, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrKeyStorePassword
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreFormat, err)
	}
	if _, ok := key.(crypto.Signer); !ok {
		return nil, fmt.Errorf("%w: private key of type %T cannot sign", ErrKeyStoreFormat, key)
	}

	certDER := [][]byte{leaf.Raw}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	for _, c := range chain {
		certDER = append(certDER, c.Raw)
		pool.AddCert(c)
	}

	return &KeyStore{
		Certificate: tls.Certificate{
			Certificate: certDER,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf: leaf,
		Pool: pool,
	}, nil
}

// =============================================================================
// GENERATION
// =============================================================================

// KeyStoreOptions configures GenerateKeyStore.
type KeyStoreOptions struct {
	// CommonName for the certificate subject. Default: "paylink".
	CommonName string
	// Hosts are DNS names or IP addresses placed in the SAN extension.
	Hosts []string
	// ValidFor is the certificate lifetime. Default: one year.
	ValidFor time.Duration
	// Password protects the PKCS#12 file. Required.
	Password string
}

// GenerateKeyStore creates a self-signed ECDSA P-256 certificate usable for
// both server and client authentication and returns it as PKCS#12 bytes.
func GenerateKeyStore(opts KeyStoreOptions) ([]byte, error) {
	if opts.Password == "" {
		return nil, &ConfigError{Field: "keystore_password", Reason: "not configured"}
	}
	if opts.CommonName == "" {
		opts.CommonName = "paylink"
	}
	if opts.ValidFor <= 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{"paylink"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	pfx, err := pkcs12.Modern.Encode(priv, cert, nil, opts.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode keystore: %w", err)
	}
	return pfx, nil
}

// WriteKeyStore writes PKCS#12 bytes to path with owner-only permissions.
// RELIABILITY: Atomic write with fsync prevents a half-written keystore from
// being picked up by a running server's watcher.
func WriteKeyStore(path string, pfx []byte) error {
	if err := util.AtomicWriteFile(path, pfx, 0600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return nil
}
