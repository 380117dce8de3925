package main

import (
	"flag"

	bufmod "github.com/mppengine/taskbuffer/modules/outputbuffer"
)

// Config is the server binary's root config, following the teacher's
// single-struct-per-binary convention: one RegisterFlagsAndApplyDefaults
// call wires every subsystem's flags under its own prefix.
type Config struct {
	HTTPListenAddr string `yaml:"http_listen_addr"`
	LogLevel       string `yaml:"log_level"`

	Buffer bufmod.Config `yaml:"buffer"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.HTTPListenAddr, prefix+"http-listen-addr", ":3200", "HTTP server listen address.")
	f.StringVar(&c.LogLevel, prefix+"log-level", "info", "Log level: debug, info, warn, error.")

	c.Buffer.RegisterFlagsAndApplyDefaults("buffer", f)
}
