package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, "json", slog.LevelInfo))

	log.Info("account registered",
		slog.String("private_key", "0xdeadbeef"),
		slog.Group("account", slog.String("privateKey", "0xcafebabe"), slog.String("name", "alice")),
		slog.String("client_secret", "hunter2"),
		slog.String("address", "0x01"))

	out := buf.String()
	for _, leaked := range []string{"0xdeadbeef", "0xcafebabe", "hunter2"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("secret %s leaked into %s", leaked, out)
		}
	}
	for _, kept := range []string{`"name":"alice"`, `"address":"0x01"`, Redacted} {
		if !strings.Contains(out, kept) {
			t.Fatalf("expected %s in %s", kept, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAuditWriterCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	writer, err := newAuditWriter(AuditConfig{Path: path})
	if err != nil {
		t.Fatalf("new audit writer: %v", err)
	}
	defer writer.Close()

	if writer.MaxSize != 100 || writer.MaxBackups != 7 || writer.MaxAge != 30 {
		t.Fatalf("unexpected rotation defaults %+v", writer)
	}
	if _, err := writer.Write([]byte("entry\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected audit file to exist: %v", err)
	}
}

func TestInitOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	if err := Init(Config{Format: "text", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	if err := Init(Config{}); err == nil {
		t.Fatal("expected second Init to fail")
	}
	Named("journal").Info("record stored", slog.String("password", "p@ss"))

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(content)
	if !strings.Contains(out, "component=journal") || strings.Contains(out, "p@ss") {
		t.Fatalf("unexpected log output %q", out)
	}
	if Audit() != L() {
		t.Fatal("expected audit logger to fall back to the main logger")
	}
}
