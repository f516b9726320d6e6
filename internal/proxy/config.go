// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy implements the TSK ingest state machine: consume TSK
// messages off a bus topic, re-emit their (key, value) pairs into a
// downstream time-series backend via a Key Package, and self-report
// operational statistics through a second, dedicated KP.
package proxy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks a startup configuration failure: missing mandatory keys or
// a value that fails validation. Fatal, surfaced to the CLI.
var ErrConfig = fmt.Errorf("proxy: configuration error")

// Config is the flat, immutable proxy configuration (spec §6.2). It is
// loaded once at startup and never mutated afterward.
type Config struct {
	LogLevel int `yaml:"log-level"`

	TimeseriesBackend   string `yaml:"timeseries-backend"`
	TimeseriesDbatsOpts string `yaml:"timeseries-dbats-opts"`

	KafkaBrokers       string `yaml:"kafka-brokers"`
	KafkaTopicPrefix   string `yaml:"kafka-topic-prefix"`
	KafkaChannel       string `yaml:"kafka-channel"`
	KafkaConsumerGroup string `yaml:"kafka-consumer-group"`
	KafkaOffset        string `yaml:"kafka-offset"`

	FilterPrefix []string `yaml:"filter-prefix"`

	StatsInterval  int    `yaml:"stats-interval"`
	StatsTSBackend string `yaml:"stats-ts-backend"`
	StatsTSOpts    string `yaml:"stats-ts-opts"`
}

// maxFilterPrefixes bounds the repeatable filter-prefix key, per spec §6.2.
const maxFilterPrefixes = 1024

// defaultStatsInterval applies when stats-interval is omitted but a stats
// backend was still configured.
const defaultStatsInterval = 60

// LoadConfig reads and validates the YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate enforces spec §6.2's "all of the above except log-level,
// filter-prefix, and stats-* are mandatory" rule.
func (c *Config) validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: missing mandatory key %q", ErrConfig, name)
	}
	switch {
	case c.TimeseriesBackend == "":
		return missing("timeseries-backend")
	case c.TimeseriesDbatsOpts == "":
		return missing("timeseries-dbats-opts")
	case c.KafkaBrokers == "":
		return missing("kafka-brokers")
	case c.KafkaTopicPrefix == "":
		return missing("kafka-topic-prefix")
	case c.KafkaChannel == "":
		return missing("kafka-channel")
	case c.KafkaConsumerGroup == "":
		return missing("kafka-consumer-group")
	case c.KafkaOffset == "":
		return missing("kafka-offset")
	}
	if c.LogLevel < 0 || c.LogLevel > 2 {
		return fmt.Errorf("%w: log-level must be 0, 1 or 2, got %d", ErrConfig, c.LogLevel)
	}
	if len(c.FilterPrefix) > maxFilterPrefixes {
		return fmt.Errorf("%w: filter-prefix has %d entries, exceeds cap of %d", ErrConfig, len(c.FilterPrefix), maxFilterPrefixes)
	}
	if c.StatsTSBackend != "" && c.StatsInterval <= 0 {
		c.StatsInterval = defaultStatsInterval
	}
	return nil
}

// StatsEnabled reports whether a stats backend was configured.
func (c *Config) StatsEnabled() bool { return c.StatsTSBackend != "" }

// MatchesFilter reports whether key survives the configured filter-prefix
// list. An empty list matches everything (spec §4.7 step 5a).
func (c *Config) MatchesFilter(key string) bool {
	if len(c.FilterPrefix) == 0 {
		return true
	}
	for _, p := range c.FilterPrefix {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// KafkaTopic is the full bus topic the proxy consumes: "<prefix>.<channel>".
func (c *Config) KafkaTopic() string { return c.KafkaTopicPrefix + "." + c.KafkaChannel }

// StatPrefix builds the dotted-then-dashed stats key prefix from spec §4.7:
// "systems.services.tsk.<consumer-group>.<topic-prefix>.<channel>", with
// dots in each component replaced by dashes before composition.
func (c *Config) StatPrefix() string {
	dashed := func(s string) string { return strings.ReplaceAll(s, ".", "-") }
	return fmt.Sprintf("systems.services.tsk.%s.%s.%s",
		dashed(c.KafkaConsumerGroup), dashed(c.KafkaTopicPrefix), dashed(c.KafkaChannel))
}
