package nats

import (
	"os"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// testConnector returns a Connector against the server named by
// $NATS_URL. Tests are skipped when no server is configured.
func testConnector(t *testing.T) Connector {
	t.Helper()
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		t.Skip("NATS_URL not set, skipping")
	}
	return ConnectURL(natsURL)
}

// uniqueName isolates streams and buckets between test runs against a
// shared server.
func uniqueName(prefix string) string {
	return prefix + "_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 8)
}
