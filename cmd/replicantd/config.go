package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen       []string `yaml:"listen"`
	HTTP         string   `yaml:"http"`
	Namespace    string   `yaml:"namespace"`
	RoomPrefix   string   `yaml:"room_prefix"`
	HistoryLimit int      `yaml:"history_limit"`
	Seed         string   `yaml:"seed"`
	Verbose      bool     `yaml:"verbose"`
}

func loadConfig(path string) (cfg Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(data, &cfg)
	return cfg, err
}
