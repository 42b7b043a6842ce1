package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var secretKeys = map[string]bool{
	"api_key":    true,
	"secret_key": true,
	"access_key": true,
	"dsn":        true,
}

// Settings returns the effective settings with durations as strings and
// secrets masked
func Settings(v *viper.Viper) map[string]any {
	return normalize(v.AllSettings()).(map[string]any)
}

func normalize(value any) any {
	switch val := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if secretKeys[k] {
				if s := fmt.Sprint(inner); s != "" {
					out[k] = "********"
					continue
				}
			}
			out[k] = normalize(inner)
		}
		return out
	case time.Duration:
		return val.String()
	default:
		return value
	}
}

// YAML renders the effective settings, keys sorted
func YAML(v *viper.Viper) ([]byte, error) {
	node, err := toNode(Settings(v))
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

func toNode(value any) (*yaml.Node, error) {
	m, ok := value.(map[string]any)
	if !ok {
		var n yaml.Node
		if err := n.Encode(value); err != nil {
			return nil, fmt.Errorf("failed to encode config value: %w", err)
		}
		return &n, nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range keys {
		child, err := toNode(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}, child)
	}
	return node, nil
}

// Describe is a short, single-line summary for startup logs
func (c *Config) Describe() string {
	return strings.Join([]string{
		"broker=" + c.Broker.Type,
		"storage=" + c.Storage.Type,
		"fleet=" + c.Fleet.Type,
		fmt.Sprintf("max_instances=%d", c.MaxInstances),
	}, " ")
}
