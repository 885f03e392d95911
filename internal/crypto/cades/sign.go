// Package cades produces and checks detached CMS signatures carrying an
// ESS signing-certificate-v2 attribute bound to the signer certificate.
package cades

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
)

var ErrVerify = errors.New("cms signature verification failed")

// SignDetached signs content with SHA-256 and returns a DER SignedData
// without the content. chain is embedded after the signer certificate.
func SignDetached(signer crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate, content []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	signingCertV2Bytes, err := asn1.Marshal(signingCertificateFor(cert))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signingCertificateV2: %w", err)
	}

	config := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{
			{
				Type:  OidSigningCertificateV2,
				Value: asn1.RawValue{FullBytes: signingCertV2Bytes},
			},
		},
	}
	if err := sd.AddSigner(cert, signer, config); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	for _, c := range chain {
		if c.Equal(cert) {
			continue
		}
		sd.AddCertificate(c)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signature: %w", err)
	}
	return der, nil
}

// VerifyDetached checks der against content and returns the signer
// certificate. Chain trust is left to the caller.
func VerifyDetached(der, content []byte) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerify, err)
	}
	if len(p7.Signers) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signer, got %d", ErrVerify, len(p7.Signers))
	}
	if !p7.Signers[0].DigestAlgorithm.Algorithm.Equal(pkcs7.OIDDigestAlgorithmSHA256) {
		return nil, fmt.Errorf("%w: digest algorithm %v is not sha256", ErrVerify, p7.Signers[0].DigestAlgorithm.Algorithm)
	}

	p7.Content = content
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerify, err)
	}
	cert := p7.GetOnlySigner()
	if cert == nil {
		return nil, fmt.Errorf("%w: signer certificate missing", ErrVerify)
	}

	var scv2 SigningCertificateV2
	if err := p7.UnmarshalSignedAttribute(OidSigningCertificateV2, &scv2); err != nil {
		return nil, fmt.Errorf("%w: signing certificate attribute: %v", ErrVerify, err)
	}
	want := sha256.Sum256(cert.Raw)
	if len(scv2.Certs) == 0 || !bytes.Equal(scv2.Certs[0].CertHash, want[:]) {
		return nil, fmt.Errorf("%w: signing certificate attribute does not match signer", ErrVerify)
	}
	return cert, nil
}
