package main

import "github.com/kelseyhightower/envconfig"

// Config holds the environment-derived settings for the restream bridge.
// Zero ports mean "let the kernel choose", which is mainly useful for tests
// that embed this binary's wiring directly.
type Config struct {
	VideoSinkPort  uint16 `envconfig:"RESTREAM_VIDEO_PORT" default:"0"`
	ControlPort    uint16 `envconfig:"RESTREAM_CONTROL_PORT" default:"0"`
	ControllerAddr string `envconfig:"RESTREAM_CONTROLLER_ADDR" default:"127.0.0.1:27183"`
	LogLevel       string `envconfig:"RESTREAM_LOG_LEVEL" default:"info"`
}

func loadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
