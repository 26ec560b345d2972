package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/23skdu/longbow-clmatmul/internal/config"
	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	if err := newApp().Run(os.Args); err != nil {
		os.Exit(fatal(os.Stderr, err))
	}
}

// fatal writes the diagnostic for err and returns the process exit status.
func fatal(w io.Writer, err error) int {
	fmt.Fprint(w, device.Diagnostic(err))
	return 1
}

func newApp() *cli.App {
	var (
		cfg      *config.Config
		shutdown func(context.Context) error
	)

	return &cli.App{
		Name:  "clmatmul",
		Usage: "Multiply matrices on a GPU, or the CPU when no GPU is present",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"CLMATMUL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "runtime",
				Usage: "Compute runtime: auto, host or opencl",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.Int64Flag{
				Name:  "host-memory",
				Usage: "Device memory of the host runtime in bytes",
			},
			&cli.BoolFlag{
				Name:  "otel",
				Usage: "Enable OpenTelemetry tracing (stdout)",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			cfg, err = loadConfig(c)
			if err != nil {
				return err
			}
			level, err := zerolog.ParseLevel(cfg.Logger.Level)
			if err != nil {
				return fmt.Errorf("logger.level: %w", err)
			}
			zerolog.SetGlobalLevel(level)

			if c.Bool("otel") {
				shutdown, err = initTracer()
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}
			}
			return nil
		},
		After: func(c *cli.Context) error {
			if shutdown != nil {
				return shutdown(context.Background())
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Multiply two matrices and print the product",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "lhs", Usage: "Left operand `FILE` (.txt, .cbor, .arrow)"},
					&cli.StringFlag{Name: "rhs", Usage: "Right operand `FILE` (.txt, .cbor, .arrow)"},
					&cli.StringFlag{Name: "kernel", Usage: "Kernel source `FILE`; the built-in matmul kernel by default"},
					&cli.StringFlag{Name: "kernel-name", Usage: "Kernel entry point"},
					&cli.StringFlag{Name: "policy", Usage: "Dispatch policy: naive or tiled"},
					&cli.IntFlag{Name: "tile", Usage: "Work-group edge for the tiled policy"},
					&cli.StringFlag{Name: "format", Usage: "Output format: text, arrow or cbor"},
					&cli.BoolFlag{Name: "verify", Usage: "Check the product against a host reference"},
				},
				Action: func(c *cli.Context) error {
					applyRunFlags(c, cfg)
					if err := cfg.Validate(); err != nil {
						return err
					}
					return runMultiply(c.Context, cfg, runInput{
						lhsPath: c.String("lhs"),
						rhsPath: c.String("rhs"),
						verify:  c.Bool("verify"),
					}, c.App.Writer)
				},
			},
			{
				Name:  "devices",
				Usage: "List compute platforms and devices",
				Action: func(c *cli.Context) error {
					rt, err := newRuntime(cfg)
					if err != nil {
						return err
					}
					return listDevices(rt, c.App.Writer)
				},
			},
			{
				Name:  "serve",
				Usage: "Serve multiplications over HTTP and Arrow Flight",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "HTTP listen address"},
					&cli.StringFlag{Name: "flight", Usage: "Flight listen address, empty to disable"},
					&cli.StringFlag{Name: "forward", Usage: "Flight server to forward products to (e.g. localhost:3000)"},
					&cli.StringFlag{Name: "dataset", Usage: "Dataset name for forwarded products"},
					&cli.Int64Flag{Name: "max-concurrent", Usage: "Maximum number of concurrent multiplications"},
					&cli.Int64Flag{Name: "max-body-bytes", Usage: "Maximum HTTP request body size"},
					&cli.Int64Flag{Name: "max-result-elements", Usage: "Maximum rows*cols of a served product"},
					&cli.IntFlag{Name: "max-datasets", Usage: "Maximum number of DoPut datasets kept"},
					&cli.StringFlag{Name: "kernel", Usage: "Kernel source `FILE`"},
					&cli.StringFlag{Name: "policy", Usage: "Dispatch policy: naive or tiled"},
				},
				Action: func(c *cli.Context) error {
					applyServeFlags(c, cfg)
					if err := cfg.Validate(); err != nil {
						return err
					}
					return serve(c.Context, cfg)
				},
			},
			{
				Name:  "exchange",
				Usage: "Multiply two matrices on a remote clmatmul Flight server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: "localhost:8081", Usage: "Flight server address"},
					&cli.StringFlag{Name: "lhs", Usage: "Left operand `FILE`"},
					&cli.StringFlag{Name: "rhs", Usage: "Right operand `FILE`"},
					&cli.StringFlag{Name: "format", Usage: "Output format: text, arrow or cbor"},
				},
				Action: func(c *cli.Context) error {
					if c.IsSet("format") {
						cfg.Output.Format = c.String("format")
					}
					if err := cfg.Validate(); err != nil {
						return err
					}
					return exchange(c.Context, c.String("addr"), runInput{
						lhsPath: c.String("lhs"),
						rhsPath: c.String("rhs"),
					}, cfg.Output.Format, c.App.Writer)
				},
			},
		},
	}
}

// loadConfig reads --config when given and applies the global flags on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if c.IsSet("runtime") {
		cfg.Runtime = c.String("runtime")
	}
	if c.IsSet("log-level") {
		cfg.Logger.Level = c.String("log-level")
	}
	if c.IsSet("host-memory") {
		cfg.Host.MemoryBytes = c.Int64("host-memory")
	}
	return cfg, cfg.Validate()
}

func applyRunFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("kernel") {
		cfg.Kernel.Path = c.String("kernel")
	}
	if c.IsSet("kernel-name") {
		cfg.Kernel.Name = c.String("kernel-name")
	}
	if c.IsSet("policy") {
		cfg.Dispatch.Policy = c.String("policy")
	}
	if c.IsSet("tile") {
		cfg.Dispatch.Tile = c.Int("tile")
	}
	if c.IsSet("format") {
		cfg.Output.Format = c.String("format")
	}
}

func applyServeFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("listen") {
		cfg.Server.Listen = c.String("listen")
	}
	if c.IsSet("flight") {
		cfg.Server.Flight = c.String("flight")
	}
	if c.IsSet("forward") {
		cfg.Server.Forward = c.String("forward")
	}
	if c.IsSet("dataset") {
		cfg.Server.Dataset = c.String("dataset")
	}
	if c.IsSet("max-concurrent") {
		cfg.Server.MaxConcurrent = c.Int64("max-concurrent")
	}
	if c.IsSet("max-body-bytes") {
		cfg.Server.MaxBodyBytes = c.Int64("max-body-bytes")
	}
	if c.IsSet("max-result-elements") {
		cfg.Server.MaxResultElements = c.Int64("max-result-elements")
	}
	if c.IsSet("max-datasets") {
		cfg.Server.MaxDatasets = c.Int("max-datasets")
	}
	if c.IsSet("kernel") {
		cfg.Kernel.Path = c.String("kernel")
	}
	if c.IsSet("policy") {
		cfg.Dispatch.Policy = c.String("policy")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("clmatmul"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
