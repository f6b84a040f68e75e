package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "127.0.0.1:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Topic != "bleeprelay-replication" {
		t.Errorf("topic = %q", cfg.Kafka.Topic)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.MinBackoff != time.Second {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Worker.Concurrency != 10 || cfg.Worker.PartConcurrency != 10 {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Mirror.Engine != "memory" || cfg.Mirror.Prefix != "mirror" {
		t.Errorf("mirror = %+v", cfg.Mirror)
	}
	if cfg.Server.Port != 8900 {
		t.Errorf("server port = %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: crr-log
  group_id: crr-workers
retry:
  max_retries: 3
  min_backoff: 250ms
worker:
  concurrency: 32
destinations:
  - site: us-west-mirror
    family: generic
    endpoints: ["https://s3-a.example.com", "https://s3-b.example.com"]
    bucket: crr-upstream
  - site: gcp-archive
    family: gcp
    gcp_project: archive-prod
    bucket: crr-archive
  - site: az-backup
    family: azure
    azure_account_url: https://backup.blob.core.windows.net
    bucket: crr-container
logging:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.GroupID != "crr-workers" {
		t.Errorf("group id = %q", cfg.Kafka.GroupID)
	}
	// Unset kafka fields still pick up defaults.
	if cfg.Kafka.StatusTopic != "bleeprelay-replication-status" {
		t.Errorf("status topic = %q", cfg.Kafka.StatusTopic)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.MinBackoff != 250*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Retry.MaxBackoff != 5*time.Minute {
		t.Errorf("max backoff = %v", cfg.Retry.MaxBackoff)
	}
	if cfg.Worker.Concurrency != 32 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency)
	}
	if len(cfg.Destinations) != 3 {
		t.Fatalf("%d destinations", len(cfg.Destinations))
	}
	if cfg.Destinations[0].Family != "generic" || len(cfg.Destinations[0].Endpoints) != 2 {
		t.Errorf("destination 0 = %+v", cfg.Destinations[0])
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadRejectsInvalidDestinations(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing site",
			yaml: `
destinations:
  - family: generic
    endpoints: ["https://s3.example.com"]
    bucket: b
`,
			wantErr: "site is required",
		},
		{
			name: "generic without endpoints",
			yaml: `
destinations:
  - site: s
    family: generic
    bucket: b
`,
			wantErr: "endpoint",
		},
		{
			name: "gcp without project",
			yaml: `
destinations:
  - site: s
    family: gcp
    bucket: b
`,
			wantErr: "gcp_project",
		},
		{
			name: "azure without account",
			yaml: `
destinations:
  - site: s
    family: azure
    bucket: b
`,
			wantErr: "azure_account_url",
		},
		{
			name: "unknown family",
			yaml: `
destinations:
  - site: s
    family: ftp
    bucket: b
`,
			wantErr: "unknown family",
		},
		{
			name: "missing bucket",
			yaml: `
destinations:
  - site: s
    family: generic
    endpoints: ["https://s3.example.com"]
`,
			wantErr: "bucket is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("Load succeeded")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "kafka: [")); err == nil {
		t.Fatal("Load of malformed YAML succeeded")
	}
}
