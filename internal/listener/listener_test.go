package listener

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wmproxy/wmproxy/internal/config"
)

func generateSelfSigned(t *testing.T, dir, name, sni string) config.SNICert {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	serial, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"wmproxy-test"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{sni},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	certFile := filepath.Join(dir, name+".crt")
	keyFile := filepath.Join(dir, name+".key")

	certOut, err := os.Create(certFile)
	if err != nil {
		t.Fatalf("creating cert file: %v", err)
	}
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	certOut.Close()

	keyOut, err := os.Create(keyFile)
	if err != nil {
		t.Fatalf("creating key file: %v", err)
	}
	pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	keyOut.Close()

	return config.SNICert{SNI: sni, CertFile: certFile, KeyFile: keyFile}
}

func TestPlaintextListenerAcceptTagsDescriptor(t *testing.T) {
	l, err := New(DescriptorProxy, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
	}()

	acc, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer acc.Conn.Close()
	if acc.Descriptor != DescriptorProxy {
		t.Fatalf("expected descriptor %q, got %q", DescriptorProxy, acc.Descriptor)
	}
}

func TestSNIResolverServesMatchingCertificate(t *testing.T) {
	dir := t.TempDir()
	a := generateSelfSigned(t, dir, "a", "a.example.com")
	b := generateSelfSigned(t, dir, "b", "b.example.com")

	tlsCfg, err := SNIResolver([]config.SNICert{a, b})
	if err != nil {
		t.Fatalf("SNIResolver: %v", err)
	}

	l, err := New(DescriptorStream, "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		acc, err := l.Accept()
		if err != nil {
			done <- err
			return
		}
		defer acc.Conn.Close()
		_, err = io.Copy(io.Discard, acc.Conn)
		done <- err
	}()

	clientCfg := &tls.Config{InsecureSkipVerify: true, ServerName: "b.example.com"}
	conn, err := tls.Dial("tcp", l.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		t.Fatal("expected a peer certificate")
	}
	if state.PeerCertificates[0].DNSNames[0] != "b.example.com" {
		t.Fatalf("expected the b.example.com certificate, got DNSNames %v", state.PeerCertificates[0].DNSNames)
	}
	conn.Close()
	<-done
}

func TestSNIResolverRequiresAtLeastOneCert(t *testing.T) {
	if _, err := SNIResolver(nil); err == nil {
		t.Fatal("expected an error for an empty certificate list")
	}
}

func TestSniffHTTPHostExtractsHostAndPreservesBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	request := "GET /health HTTP/1.1\r\nHost: web.example.com\r\n\r\nbody-follows"
	go client.Write([]byte(request))

	replay, host, err := SniffHTTPHost(server)
	if err != nil {
		t.Fatalf("SniffHTTPHost: %v", err)
	}
	if host != "web.example.com" {
		t.Fatalf("expected host %q, got %q", "web.example.com", host)
	}

	buf := make([]byte, len(request))
	n, err := io.ReadFull(replay, buf)
	if err != nil {
		t.Fatalf("reading replayed bytes: %v", err)
	}
	if string(buf[:n]) != request {
		t.Fatalf("expected replayed bytes to equal the original request, got %q", buf[:n])
	}
}
