package tlscert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

var ErrNoPKCS12 = errors.New("no PKCS#12 provided")

// Bundle is the certificate and key served by the proxy listener.
type Bundle struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

func Load(p12Base64, passphrase string) (*Bundle, error) {
	if p12Base64 == "" {
		return nil, ErrNoPKCS12
	}
	return DecodeP12(p12Base64, passphrase)
}

// Generate creates a self-signed server certificate valid for hosts, which
// may mix DNS names and IP addresses. An empty list means localhost.
func Generate(hosts []string, validity time.Duration) (*Bundle, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   hosts[0],
			Organization: []string{"idmask"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Bundle{
		Certificate: cert,
		PrivateKey:  key,
	}, nil
}

// DecodeP12 decodes base64-encoded PKCS#12 data holding one certificate and
// its private key.
func DecodeP12(p12Base64, passphrase string) (*Bundle, error) {
	p12Data, err := base64.StdEncoding.DecodeString(p12Base64)
	if err != nil {
		return nil, fmt.Errorf("failed to base64-decode PKCS#12: %w", err)
	}

	privateKey, cert, err := pkcs12.Decode(p12Data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}

	signer, ok := privateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("PKCS#12 private key does not implement crypto.Signer")
	}

	return &Bundle{
		Certificate: cert,
		PrivateKey:  signer,
	}, nil
}

func (b *Bundle) EncodeP12(passphrase string) (string, error) {
	p12Data, err := pkcs12.Modern.Encode(b.PrivateKey, b.Certificate, nil, passphrase)
	if err != nil {
		return "", fmt.Errorf("failed to encode PKCS#12: %w", err)
	}
	return base64.StdEncoding.EncodeToString(p12Data), nil
}

func (b *Bundle) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: b.Certificate.Raw,
	})
}

// TLSConfig returns a server configuration presenting the bundle.
func (b *Bundle) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{b.Certificate.Raw},
			PrivateKey:  b.PrivateKey,
			Leaf:        b.Certificate,
		}},
		MinVersion: tls.VersionTLS12,
	}
}
