package tls

import (
	"crypto/rand"
	"crypto/rsa"
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

const (
	organization = "Carina Origin"
	serverName   = "carina-origin"
	certLifetime = 365 * 24 * time.Hour
)

// CertManager loads or creates a private CA plus a server and a client
// certificate signed by it, persisted as PEM files in certDir.
type CertManager struct {
	certDir    string
	caCert     *x509.Certificate
	caKey      *rsa.PrivateKey
	serverCert tls.Certificate
	clientCert tls.Certificate
}

// NewCertManager creates a new certificate manager
func NewCertManager(certDir string) (*CertManager, error) {
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}

	cm := &CertManager{certDir: certDir}

	if err := cm.setupCA(); err != nil {
		return nil, fmt.Errorf("failed to setup CA: %w", err)
	}

	var err error
	cm.serverCert, err = cm.setupLeaf("server", &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Organization: []string{organization}, CommonName: serverName},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{"localhost", serverName},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup server cert: %w", err)
	}

	cm.clientCert, err = cm.setupLeaf("client", &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{Organization: []string{organization}, CommonName: serverName + "-client"},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup client cert: %w", err)
	}

	return cm, nil
}

func (cm *CertManager) paths(name string) (keyPath, certPath string) {
	return filepath.Join(cm.certDir, name+"-key.pem"), filepath.Join(cm.certDir, name+"-cert.pem")
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// setupCA loads the CA from disk or generates a new one
func (cm *CertManager) setupCA() error {
	keyPath, certPath := cm.paths("ca")
	if exists(keyPath, certPath) {
		return cm.loadCA(keyPath, certPath)
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: serverName + "-ca"},
		NotBefore:             now,
		NotAfter:              now.Add(certLifetime),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	if cm.caCert, err = x509.ParseCertificate(der); err != nil {
		return err
	}
	cm.caKey = key
	return writePair(keyPath, certPath, key, der)
}

// loadCA loads existing CA certificate and key
func (cm *CertManager) loadCA(keyPath, certPath string) error {
	keyBlock, err := readPEM(keyPath)
	if err != nil {
		return err
	}
	if cm.caKey, err = x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err != nil {
		return err
	}

	certBlock, err := readPEM(certPath)
	if err != nil {
		return err
	}
	cm.caCert, err = x509.ParseCertificate(certBlock.Bytes)
	return err
}

// setupLeaf loads name's key pair or issues a new one from template.
func (cm *CertManager) setupLeaf(name string, template *x509.Certificate) (tls.Certificate, error) {
	keyPath, certPath := cm.paths(name)
	if exists(keyPath, certPath) {
		if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
			return cert, nil
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template.NotBefore = now
	template.NotAfter = now.Add(certLifetime)
	template.KeyUsage = x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &key.PublicKey, cm.caKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := writePair(keyPath, certPath, key, der); err != nil {
		return tls.Certificate{}, err
	}
	return tls.LoadX509KeyPair(certPath, keyPath)
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode %s", filepath.Base(path))
	}
	return block, nil
}

func writePair(keyPath, certPath string, key *rsa.PrivateKey, der []byte) error {
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return errors.Join(
		os.WriteFile(keyPath, keyPEM, 0o600),
		os.WriteFile(certPath, certPEM, 0o644),
	)
}

func (cm *CertManager) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(cm.caCert)
	return pool
}

// GetServerTLSConfig returns TLS config for the listener. With
// requireClientCert the server enforces mTLS against the private CA.
func (cm *CertManager) GetServerTLSConfig(requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cm.serverCert},
		MinVersion:   tls.VersionTLS12,
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = cm.pool()
	}
	return cfg
}

// GetClientTLSConfig returns TLS config for clients such as the smoke client
func (cm *CertManager) GetClientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cm.clientCert},
		RootCAs:      cm.pool(),
		MinVersion:   tls.VersionTLS12,
		ServerName:   serverName,
	}
}
