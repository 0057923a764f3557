package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// GenerateSelfSignedCertKeyPEM generates a self-signed ECDSA certificate and key.
// localhost and 127.0.0.1 are always included; hostname is added as a DNS name
// or IP address.
func GenerateSelfSignedCertKeyPEM(hostname string) (certPEMBytes []byte, keyPEMBytes []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"quicspool test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if !ip.Equal(net.IPv4(127, 0, 0, 1)) {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	} else if hostname != "localhost" && hostname != "" {
		template.DNSNames = append(template.DNSNames, hostname)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	return certPEM, keyPEM, nil
}

// GenerateSelfSignedCertKeyFiles writes a fresh certificate and key into
// t.TempDir() and returns their paths.
func GenerateSelfSignedCertKeyFiles(t *testing.T, host string) (certFilePath string, keyFilePath string, err error) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCertKeyPEM(host)
	if err != nil {
		return "", "", err
	}

	dir := t.TempDir()
	certFilePath = filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(certFilePath, certPEM, 0600); err != nil {
		return "", "", err
	}
	keyFilePath = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(keyFilePath, keyPEM, 0600); err != nil {
		return "", "", err
	}
	return certFilePath, keyFilePath, nil
}

// TLSConfigPair returns a server config carrying a fresh self-signed
// certificate and a client config that trusts it. Both negotiate alpn.
// QUIC requires TLS 1.3, which both configs enforce.
func TLSConfigPair(t *testing.T, alpn ...string) (server, client *tls.Config) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCertKeyPEM("localhost")
	if err != nil {
		t.Fatalf("generating certificate: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("loading certificate: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("adding certificate to pool failed")
	}

	server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS13,
	}
	client = &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: alpn,
		MinVersion: tls.VersionTLS13,
	}
	return server, client
}
