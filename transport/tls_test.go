package transport

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerateSelfSignedTLSConfigReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	tlsCfg, fingerprint, err := GenerateSelfSignedTLSConfig(validity, "")
	if err != nil {
		t.Fatalf("GenerateSelfSignedTLSConfig: %v", err)
	}

	if fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if len(fingerprint) != 64 { // SHA-256 hex = 32 bytes = 64 chars
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(tlsCfg.Certificates))
	}

	leaf := tlsCfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "playhouse" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "playhouse")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid at current time: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}

	expectedAfter := now.Add(validity)
	if leaf.NotAfter.Before(expectedAfter.Add(-2 * time.Hour)) {
		t.Errorf("NotAfter too early: %v (expected near %v)", leaf.NotAfter, expectedAfter)
	}
}

func TestGenerateSelfSignedTLSConfigUniqueCerts(t *testing.T) {
	_, fp1, err := GenerateSelfSignedTLSConfig(time.Hour, "a")
	if err != nil {
		t.Fatalf("GenerateSelfSignedTLSConfig: %v", err)
	}
	_, fp2, err := GenerateSelfSignedTLSConfig(time.Hour, "a")
	if err != nil {
		t.Fatalf("GenerateSelfSignedTLSConfig: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestGenerateSelfSignedTLSConfigSelfSigned(t *testing.T) {
	tlsCfg, _, err := GenerateSelfSignedTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateSelfSignedTLSConfig: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("expected self-signed cert: issuer=%q subject=%q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}

	found := false
	for _, name := range leaf.DNSNames {
		if name == "localhost" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected localhost in DNS names, got %v", leaf.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName: "localhost",
		Roots:   pool,
	})
	if err != nil {
		t.Errorf("self-verification failed: %v", err)
	}
}
