package cmd

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "postgres url",
			input: "dial postgres://exporter:hunter2@db:5432/app failed",
			want:  "dial postgres://exporter:***@db:5432/app failed",
		},
		{
			name:  "key value dsn",
			input: "host=db port=5432 user=exporter password=hunter2 dbname=app",
			want:  "host=db port=5432 user=exporter password=*** dbname=app",
		},
		{
			name:  "quoted password",
			input: "password='a b c' sslmode=disable",
			want:  "password=*** sslmode=disable",
		},
		{
			name:  "secret key with colon",
			input: "secret_key: abc123",
			want:  "secret_key: ***",
		},
		{
			name:  "fernet token",
			input: "token gAAAAABlZ2VuZXJhdGVkLXRva2VuLWZvci10ZXN0aW5n== expired",
			want:  "token *** expired",
		},
		{
			name:  "nothing to redact",
			input: "exported 1,024 rows from public.orders",
			want:  "exported 1,024 rows from public.orders",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactString(tt.input); got != tt.want {
				t.Errorf("redactString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedactHandlerMasksAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newRedactHandler(slog.NewTextHandler(&buf, nil)))

	log.With("db_password", "hunter2").Info("connecting to postgres://u:hunter2@db/app",
		"dsn", "host=db password=hunter2",
		"error", errors.New("auth failed for password=hunter2"),
		"table", "public.orders")

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "table=public.orders") {
		t.Errorf("plain attributes should pass through: %s", out)
	}
}

func TestTextOnlyHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newTextOnlyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	log.With("component", "pool").Info("chunk finished", "table", "public.orders", "rows", 10)
	log.Debug("hidden")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected one line, got %q", out)
	}
	if !strings.Contains(out, "INFO  chunk finished table=public.orders rows=10") {
		t.Errorf("unexpected line %q", out)
	}
	if strings.Contains(out, "component") {
		t.Errorf("component attribute should be dropped: %q", out)
	}
}
