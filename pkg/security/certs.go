package security

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// weakSignatureAlgorithms are signature schemes the connector refuses to
// trust on a field-device server certificate.
var weakSignatureAlgorithms = map[x509.SignatureAlgorithm]string{
	x509.MD2WithRSA:    "MD2",
	x509.MD5WithRSA:    "MD5",
	x509.SHA1WithRSA:   "SHA-1",
	x509.DSAWithSHA1:   "SHA-1",
	x509.ECDSAWithSHA1: "SHA-1",
}

// ValidateServerCertificate loads and vets an OPC-UA server certificate.
// It rejects missing files, unparseable content, certificates outside their
// validity window, and weak signature algorithms (SHA-1, MD5). All failures
// are certificate-class errors; the source must not be brought up.
func ValidateServerCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Classifyf(types.ErrCertificate, "server certificate %s: %w", path, err)
	}

	cert, err := parseCertificate(data)
	if err != nil {
		return nil, types.Classifyf(types.ErrCertificate, "server certificate %s: %w", path, err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return nil, types.Classifyf(types.ErrCertificate,
			"server certificate %s not yet valid (not before %s)", path, cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return nil, types.Classifyf(types.ErrCertificate,
			"server certificate %s expired at %s", path, cert.NotAfter.Format(time.RFC3339))
	}

	if alg, weak := weakSignatureAlgorithms[cert.SignatureAlgorithm]; weak {
		return nil, types.Classifyf(types.ErrCertificate,
			"server certificate %s: weak signature algorithm (%s)", path, alg)
	}

	logger := log.WithComponent("security")
	logger.Info().
		Str("cn", cert.Subject.CommonName).
		Str("issuer", cert.Issuer.CommonName).
		Time("not_after", cert.NotAfter).
		Msg("server certificate validated")

	return cert, nil
}

// parseCertificate accepts both PEM and raw DER encodings
func parseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
		}
		data = block.Bytes
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
