// Command taskbufferd serves per-client output buffers over HTTP: the
// manager (modules/outputbuffer) owns every ClientBuffer in the process,
// and the HTTP handler exposes getPages/destroy/info against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v2"

	bufmod "github.com/mppengine/taskbuffer/modules/outputbuffer"
	"github.com/mppengine/taskbuffer/pkg/util/log"
)

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	log.InitLogger(config.LogLevel)

	// A parentless, exporter-less sampler is enough to give every handler
	// span a trace id locally; wiring a real exporter is an operator
	// concern left to deployment config, not this binary.
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tp)

	manager := bufmod.New(config.Buffer, log.Logger)
	if err := manager.StartAsync(context.Background()); err != nil {
		level.Error(log.Logger).Log("msg", "failed to start buffer manager", "err", err)
		os.Exit(1)
	}
	if err := manager.AwaitRunning(context.Background()); err != nil {
		level.Error(log.Logger).Log("msg", "buffer manager failed to reach running state", "err", err)
		os.Exit(1)
	}

	handler := bufmod.NewHandler(manager, 0)
	router := mux.NewRouter()
	handler.Register(router)
	router.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	level.Info(log.Logger).Log("msg", "starting taskbufferd", "addr", config.HTTPListenAddr)
	if err := http.ListenAndServe(config.HTTPListenAddr, router); err != nil {
		level.Error(log.Logger).Log("msg", "http server exited", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &Config{}

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")

	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	return config, nil
}
