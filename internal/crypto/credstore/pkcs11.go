//go:build cgo

package credstore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/certs"
)

type digestInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	Digest    []byte
}

var (
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

func getDigestPrefix(hash crypto.Hash) ([]byte, error) {
	var oid asn1.ObjectIdentifier
	switch hash {
	case crypto.SHA256:
		oid = oidSHA256
	case crypto.SHA384:
		oid = oidSHA384
	case crypto.SHA512:
		oid = oidSHA512
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %v", hash)
	}

	di := digestInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oid,
			Parameters: asn1.RawValue{Tag: asn1.TagNull},
		},
	}
	// Marshal a full DigestInfo with a zero digest and keep everything before it.
	di.Digest = make([]byte, hash.Size())
	full, err := asn1.Marshal(di)
	if err != nil {
		return nil, err
	}
	return full[:len(full)-hash.Size()], nil
}

// PKCS11Store keeps the private key inside a PKCS#11 token (HSM, TPM
// bridge, smart card). The certificate chain and trusted roots are PEM files.
type PKCS11Store struct {
	Module   string
	Slot     uint
	PIN      string
	KeyLabel string
	KeyID    []byte
	CertPath string
	CAPath   string
}

func (s *PKCS11Store) LoadPrivateKey(ctx context.Context) (crypto.Signer, error) {
	chain, err := s.LoadCertificateChain(ctx)
	if err != nil {
		return nil, err
	}
	parsed, err := certs.ParseChain(chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if s.Module == "" {
		return nil, fmt.Errorf("%w: no pkcs11 module configured", ErrNotFound)
	}
	return &PKCS11Signer{
		Module:    s.Module,
		Slot:      s.Slot,
		PIN:       s.PIN,
		Label:     s.KeyLabel,
		ID:        s.KeyID,
		PublicKey: parsed[0].PublicKey,
	}, nil
}

func (s *PKCS11Store) LoadCertificateChain(ctx context.Context) ([]byte, error) {
	return readFile("certificate chain", s.CertPath)
}

func (s *PKCS11Store) LoadTrustedRoots(ctx context.Context) ([]byte, error) {
	return readFile("trusted roots", s.CAPath)
}

// PKCS11Signer opens a token session for each signature and closes it
// before returning.
type PKCS11Signer struct {
	Module    string
	Slot      uint
	PIN       string
	Label     string
	ID        []byte
	PublicKey crypto.PublicKey
}

func (s *PKCS11Signer) Public() crypto.PublicKey {
	return s.PublicKey
}

func (s *PKCS11Signer) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) (signature []byte, err error) {
	p := pkcs11.New(s.Module)
	if p == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", s.Module)
	}
	defer p.Destroy()

	if err := p.Initialize(); err != nil {
		return nil, fmt.Errorf("pkcs11 initialize: %w", err)
	}
	defer p.Finalize()

	session, err := p.OpenSession(s.Slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("pkcs11 open session: %w", err)
	}
	defer p.CloseSession(session)

	if s.PIN != "" {
		if err := p.Login(session, pkcs11.CKU_USER, s.PIN); err != nil {
			return nil, fmt.Errorf("pkcs11 login: %w", err)
		}
		defer p.Logout(session)
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}
	if len(s.ID) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, s.ID))
	}
	if s.Label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, s.Label))
	}
	if err := p.FindObjectsInit(session, template); err != nil {
		return nil, fmt.Errorf("pkcs11 find: %w", err)
	}
	objs, _, err := p.FindObjects(session, 1)
	p.FindObjectsFinal(session)
	if err != nil || len(objs) == 0 {
		return nil, fmt.Errorf("%w: private key not found in slot %d", ErrNotFound, s.Slot)
	}

	mechanism, input, err := s.mechanism(digest, opts)
	if err != nil {
		return nil, err
	}
	if err := p.SignInit(session, []*pkcs11.Mechanism{mechanism}, objs[0]); err != nil {
		return nil, fmt.Errorf("pkcs11 sign init: %w", err)
	}
	sig, err := p.Sign(session, input)
	if err != nil {
		return nil, fmt.Errorf("pkcs11 sign: %w", err)
	}
	if _, ok := s.PublicKey.(*ecdsa.PublicKey); ok {
		return ecdsaRawToASN1(sig)
	}
	return sig, nil
}

// mechanism picks the token mechanism for the key type and returns the
// bytes the token must sign.
func (s *PKCS11Signer) mechanism(digest []byte, opts crypto.SignerOpts) (*pkcs11.Mechanism, []byte, error) {
	switch s.PublicKey.(type) {
	case *rsa.PublicKey:
		if _, pss := opts.(*rsa.PSSOptions); pss {
			return nil, nil, fmt.Errorf("%w: RSA-PSS over PKCS#11", ErrUnsupported)
		}
		prefix, err := getDigestPrefix(opts.HashFunc())
		if err != nil {
			return nil, nil, err
		}
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), append(prefix, digest...), nil
	case *ecdsa.PublicKey:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), digest, nil
	default:
		return nil, nil, fmt.Errorf("%w: key type %T", ErrUnsupported, s.PublicKey)
	}
}

// ecdsaRawToASN1 converts the r||s form tokens return into the ASN.1
// sequence crypto/ecdsa verifies.
func ecdsaRawToASN1(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length %d", len(sig))
	}
	n := len(sig) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		new(big.Int).SetBytes(sig[:n]),
		new(big.Int).SetBytes(sig[n:]),
	})
}
