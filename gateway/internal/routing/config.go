package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Cluster struct {
	Brokers  []string `json:"brokers"`
	ClientID string   `json:"client_id"`
}

// Carrier is one onboarded webhook source: its shared callback token and the broker
// cluster its tracking events land on.
type Carrier struct {
	Token   string `json:"token"`
	Cluster string `json:"cluster"`
}

type Config struct {
	DefaultCluster string             `json:"default_cluster"`
	DefaultTopic   string             `json:"default_topic"`
	TopicMap       map[string]string  `json:"topic_map"`
	Clusters       map[string]Cluster `json:"clusters"`
	Carriers       map[string]Carrier `json:"carriers"`
}

type Resolver struct {
	Config Config
}

func Load(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse routes config: %w", err)
	}
	if len(cfg.Clusters) == 0 {
		return Resolver{}, errors.New("routes config must define clusters")
	}
	for name, cluster := range cfg.Clusters {
		if len(cluster.Brokers) == 0 {
			return Resolver{}, fmt.Errorf("cluster %q must define brokers", name)
		}
	}
	if len(cfg.Carriers) == 0 {
		return Resolver{}, errors.New("routes config must define carriers")
	}
	for code, carrier := range cfg.Carriers {
		if strings.TrimSpace(carrier.Token) == "" {
			return Resolver{}, fmt.Errorf("carrier %q must define a token", code)
		}
		if carrier.Cluster != "" {
			if _, ok := cfg.Clusters[carrier.Cluster]; !ok {
				return Resolver{}, fmt.Errorf("carrier %q references unknown cluster %q", code, carrier.Cluster)
			}
		}
	}
	if cfg.DefaultCluster != "" {
		if _, ok := cfg.Clusters[cfg.DefaultCluster]; !ok {
			return Resolver{}, fmt.Errorf("default_cluster %q not found in clusters", cfg.DefaultCluster)
		}
	}
	return Resolver{Config: cfg}, nil
}

// ResolveCarrier looks a carrier up by its code, case-insensitively.
func (r Resolver) ResolveCarrier(code string) (Carrier, bool) {
	carrier, ok := r.Config.Carriers[strings.ToLower(strings.TrimSpace(code))]
	return carrier, ok
}

// ResolveCluster returns the broker cluster a carrier's events go to.
func (r Resolver) ResolveCluster(carrier Carrier) (string, bool) {
	if carrier.Cluster != "" {
		return carrier.Cluster, true
	}
	if r.Config.DefaultCluster != "" {
		return r.Config.DefaultCluster, true
	}
	return "", false
}

// ResolveTopic maps a tracking status to a topic, falling back to the
// configured default.
func (r Resolver) ResolveTopic(status string) string {
	if r.Config.TopicMap != nil {
		if v, ok := r.Config.TopicMap[strings.TrimSpace(status)]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(r.Config.DefaultTopic)
}

func DefaultRoutesPath(env string) (string, error) {
	root, err := findRepoRoot()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(root, "configs", env+".gateway.routes.json"), nil
}

func findRepoRoot() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("repo root not found")
}
