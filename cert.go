package qfeature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
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

// ErrDecodeCert is returned when a certificate PEM block cannot be decoded.
var ErrDecodeCert = errors.New("qfeature: failed to decode certificate PEM")

// File names used by WriteCA, WriteCert and LoadCertDir.
const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"
)

// randomSerialNumber generates a cryptographically random serial number for certificates.
func randomSerialNumber() (*big.Int, error) {
	serialBytes := make([]byte, 16)
	if _, err := rand.Read(serialBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random serial: %w", err)
	}
	// Ensure the serial number is positive by clearing the high bit.
	serialBytes[0] &= 0x7F
	return new(big.Int).SetBytes(serialBytes), nil
}

// CreateCA creates a new self-signed Certificate Authority.
func CreateCA(name string, validity time.Duration) (caCert *x509.Certificate, caKey *ecdsa.PrivateKey, err error) {
	caKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	caCert, err = x509.ParseCertificate(caBytes)
	return caCert, caKey, err
}

// CreateCert creates a certificate signed by the provided CA.
// The hostname is the CommonName, which the hub uses as the machine name,
// and is also placed in the SAN field so the certificate can serve a hub.
func CreateCert(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, hostname string, validity time.Duration) (certPEM []byte, keyPEM []byte, err error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &privKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	keyBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM, nil
}

// EncodeCertPEM converts an x509 certificate to PEM format.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// CertPool parses PEM certificates into a pool.
func CertPool(caPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, ErrDecodeCert
	}
	return pool, nil
}

// WriteCertDir creates a CA and one key pair per host in dir.
// Files are ca.pem, ca-key.pem, <host>.pem and <host>-key.pem.
func WriteCertDir(dir string, hosts []string, validity time.Duration) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	caCert, caKey, err := CreateCA("qfeature CA", validity)
	if err != nil {
		return err
	}
	caKeyBytes, err := x509.MarshalECPrivateKey(caKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, caCertFile), EncodeCertPEM(caCert), 0600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, caKeyFile), pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: caKeyBytes}), 0600); err != nil {
		return err
	}
	for _, host := range hosts {
		certPEM, keyPEM, err := CreateCert(caCert, caKey, host, validity)
		if err != nil {
			return fmt.Errorf("create cert for %s: %w", host, err)
		}
		if err := os.WriteFile(filepath.Join(dir, host+".pem"), certPEM, 0600); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, host+"-key.pem"), keyPEM, 0600); err != nil {
			return err
		}
	}
	return nil
}

// LoadCertDir loads the key pair for host and the CA pool written by WriteCertDir.
func LoadCertDir(dir, host string) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, host+".pem"), filepath.Join(dir, host+"-key.pem"))
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	caPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	pool, err := CertPool(caPEM)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, pool, nil
}
