package routing

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRoutes(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.json")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	return path
}

func TestResolverResolvesCarrierAndCluster(t *testing.T) {
	path := writeRoutes(t, `{
  "default_cluster": "cluster-a",
  "default_topic": "carrier.tracking.v1",
  "clusters": {
    "cluster-a": {"brokers": ["localhost:9092"]},
    "cluster-b": {"brokers": ["localhost:9093"]}
  },
  "carriers": {
    "fastship": {"token": "secret-1", "cluster": "cluster-b"},
    "slowpost": {"token": "secret-2"}
  }
}`)
	resolver, err := Load(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	carrier, ok := resolver.ResolveCarrier("FastShip")
	if !ok || carrier.Token != "secret-1" {
		t.Fatalf("expected fastship resolved case-insensitively, got %+v (ok=%v)", carrier, ok)
	}
	if got, ok := resolver.ResolveCluster(carrier); !ok || got != "cluster-b" {
		t.Fatalf("expected cluster-b, got %q (ok=%v)", got, ok)
	}
	carrier, _ = resolver.ResolveCarrier("slowpost")
	if got, ok := resolver.ResolveCluster(carrier); !ok || got != "cluster-a" {
		t.Fatalf("expected default cluster-a, got %q (ok=%v)", got, ok)
	}
	if got := resolver.ResolveTopic("delivered"); got != "carrier.tracking.v1" {
		t.Fatalf("expected default topic, got %q", got)
	}
}

func TestLoadRejectsCarrierWithoutToken(t *testing.T) {
	path := writeRoutes(t, `{
  "clusters": {"cluster-a": {"brokers": ["localhost:9092"]}},
  "carriers": {"fastship": {"cluster": "cluster-a"}}
}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected tokenless carrier to be rejected")
	}
}

func TestLoadRejectsUnknownClusterReference(t *testing.T) {
	path := writeRoutes(t, `{
  "clusters": {"cluster-a": {"brokers": ["localhost:9092"]}},
  "carriers": {"fastship": {"token": "secret", "cluster": "cluster-z"}}
}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown cluster reference to be rejected")
	}
}
