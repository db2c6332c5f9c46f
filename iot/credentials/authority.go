package credentials

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/relabs-tech/bridge/core/clock"
)

// DefaultValidity is the lifetime of issued certificates
const DefaultValidity = 365 * 24 * time.Hour

// Credentials are the PEM encoded credentials of an MQTT client
type Credentials struct {
	ClientID    string `json:"client_id"`
	Certificate string `json:"cert"`
	Key         string `json:"key"`
	CACert      string `json:"ca_cert"`
}

// Authority signs client certificates with a CA certificate and key
type Authority struct {
	caCert    *x509.Certificate
	caCertPEM []byte
	caKey     crypto.Signer
	validity  time.Duration
	clock     clock.Clock
}

// NewAuthorityFromFiles reads the PEM encoded CA certificate and its PKCS8 private key
func NewAuthorityFromFiles(caCertFile, caKeyFile string) (*Authority, error) {
	caCertData, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read ca certificate: %w", err)
	}
	caKeyData, err := os.ReadFile(caKeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read ca key: %w", err)
	}
	return NewAuthority(caCertData, caKeyData)
}

// NewAuthority creates an authority from a PEM encoded CA certificate and its PKCS8 private key
func NewAuthority(caCertPEM, caKeyPEM []byte) (*Authority, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no PEM certificate found")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ca certificate: %w", err)
	}
	if !caCert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", caCert.Subject.CommonName)
	}
	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM key found")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ca key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("ca key of type %T cannot sign", key)
	}
	return &Authority{
		caCert:    caCert,
		caCertPEM: caCertPEM,
		caKey:     signer,
		validity:  DefaultValidity,
		clock:     clock.Real{},
	}, nil
}

// WithValidity sets the lifetime of issued certificates
func (a *Authority) WithValidity(validity time.Duration) *Authority {
	a.validity = validity
	return a
}

// WithClock sets the clock for the validity period
func (a *Authority) WithClock(c clock.Clock) *Authority {
	a.clock = c
	return a
}

// Issue creates a new key and a client certificate with the client ID as common name
func (a *Authority) Issue(clientID string) (*Credentials, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is missing")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: clientID},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(a.validity),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		ClientID:    clientID,
		Certificate: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})),
		Key:         string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
		CACert:      string(a.caCertPEM),
	}, nil
}
