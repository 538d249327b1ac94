package transport

import "testing"

func TestLoadServerTLSConfigRejectsMissingFiles(t *testing.T) {
	if _, err := LoadServerTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatal("expected an error for missing cert/key files")
	}
}

func TestSelfSignedTLSConfigProducesAUsableCertificate(t *testing.T) {
	cfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("len(Certificates) = %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != 0x0304 { // tls.VersionTLS13
		t.Errorf("MinVersion = %#x, want TLS 1.3", cfg.MinVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != alpn {
		t.Errorf("NextProtos = %v, want [%q]", cfg.NextProtos, alpn)
	}
}

func TestListenRequiresTLSConfig(t *testing.T) {
	if _, err := Listen(Config{Bind: "127.0.0.1:0"}, nil); err == nil {
		t.Fatal("expected an error when TLSConfig is nil")
	}
}

func TestMaxIntHelper(t *testing.T) {
	if got := maxInt(1, 5); got != 5 {
		t.Errorf("maxInt(1,5) = %d, want 5", got)
	}
	if got := maxInt(5, 1); got != 5 {
		t.Errorf("maxInt(5,1) = %d, want 5", got)
	}
}
