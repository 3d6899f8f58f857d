package qfeature

import (
	"crypto/tls"
	"crypto/x509"
)

// ALPN is the application protocol negotiated by hub and clients.
const ALPN = "qfeature"

// BuildHubTLS creates the hub TLS configuration.
// Clients must present a certificate signed by one of the roots in clientCAs;
// the certificate CommonName is the machine name of the session.
func BuildHubTLS(cert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// BuildClientTLS creates a client TLS configuration.
// serverName must match a DNS name in the hub certificate.
func BuildClientTLS(cert tls.Certificate, rootCAs *x509.CertPool, serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootCAs,
		ServerName:   serverName,
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}
