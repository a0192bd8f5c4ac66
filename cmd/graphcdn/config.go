package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Origin GraphQL endpoint URL.
	Origin string `yaml:"origin"`
	// Port to listen on.
	Port int `yaml:"port"`
	// Default TTL in seconds for responses without an origin max-age.
	DefaultTTL int `yaml:"defaultTtl"`
	// Schema type names holding viewer-specific data.
	PrivateTypes []string `yaml:"privateTypes"`
	// Path to the schema SDL file. Optional.
	SchemaFile string `yaml:"schemaFile"`
	// Cache provider: memory, sqlite or redis.
	Provider string `yaml:"provider"`
	// SQLite database file name.
	DBFilename string `yaml:"db"`
	Redis      struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
