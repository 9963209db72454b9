// Command tinyipc spawns a worker, issues calls against it and inspects the worker
// registry.
//
//	tinyipc call --worker ./tinyipc-worker add '{"a":7,"b":5}'
//	tinyipc call --config tinyipc.toml ping
//	tinyipc workers --endpoints 127.0.0.1:2379 --name calc
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"tiny-ipc/client"
	"tiny-ipc/config"
	"tiny-ipc/loadbalance"
	"tiny-ipc/logging"
	"tiny-ipc/registry"
)

func main() {
	app := &cli.App{
		Name:  "tinyipc",
		Usage: "call methods on a worker process over its stdin/stdout",
		Commands: []*cli.Command{
			callCommand(),
			workersCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "spawn the worker, issue one call and print the JSON result",
		ArgsUsage: "METHOD [PARAMS_JSON]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML config file. Flags below override it.",
			},
			&cli.StringFlag{
				Name:  "worker",
				Usage: "Worker executable.",
			},
			&cli.StringSliceFlag{
				Name:  "arg",
				Usage: "Worker argument, repeatable.",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Call deadline.",
			},
			&cli.BoolFlag{
				Name:  "lenient",
				Usage: "Skip worker stdout lines that are not messages.",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "Route by key over the worker pool instead of round robin.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level.",
				EnvVars: []string{logging.EnvLogLevel},
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return cli.Exit("missing METHOD", 2)
			}
			method := ctx.Args().Get(0)
			var params any
			if raw := ctx.Args().Get(1); raw != "" {
				if !json.Valid([]byte(raw)) {
					return cli.Exit(fmt.Sprintf("PARAMS_JSON is not valid JSON: %s", raw), 2)
				}
				params = json.RawMessage(raw)
			}

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := cfg.ClientOptions(logger)
			if len(cfg.Registry.Endpoints) > 0 {
				reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger.Named("registry"))
				if err != nil {
					return err
				}
				defer reg.Close()
				opts = append(opts, client.WithRegistry(reg, cfg.Registry.Name), client.WithRegistryTTL(cfg.Registry.TTL))
			}

			balancer, err := loadbalance.New(cfg.Pool.Balancer)
			if err != nil {
				return err
			}
			pool, err := client.NewPool(cfg.SpawnSpec(), cfg.Pool.Size, balancer, opts...)
			if err != nil {
				return err
			}
			defer pool.Close()

			callCtx, cancel := context.WithTimeout(ctx.Context, cfg.Client.CallTimeout)
			defer cancel()

			var result json.RawMessage
			if key := ctx.String("key"); key != "" {
				err = pool.CallKey(callCtx, key, method, params, &result)
			} else {
				err = pool.Call(callCtx, method, params, &result)
			}
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return printJSON(result)
		},
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if ctx.IsSet("worker") {
		cfg.Worker.Path = ctx.String("worker")
	}
	if ctx.IsSet("arg") {
		cfg.Worker.Args = ctx.StringSlice("arg")
	}
	if ctx.IsSet("timeout") {
		cfg.Client.CallTimeout = ctx.Duration("timeout")
	}
	if ctx.Bool("lenient") {
		cfg.Client.LenientStdout = true
	}
	if ctx.IsSet("log-level") {
		cfg.Log.Level = ctx.String("log-level")
	}
	return cfg, cfg.Validate()
}

func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := os.Stdout.Write(out.Bytes())
	return err
}

func workersCommand() *cli.Command {
	return &cli.Command{
		Name:  "workers",
		Usage: "list live workers announced in etcd",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "endpoints",
				Usage:    "etcd endpoints.",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Worker name.",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Keep printing the list every time it changes.",
			},
		},
		Action: func(ctx *cli.Context) error {
			reg, err := registry.NewEtcdRegistry(ctx.StringSlice("endpoints"), zap.NewNop().Sugar())
			if err != nil {
				return err
			}
			defer reg.Close()

			name := ctx.String("name")
			if ctx.Bool("watch") {
				for list := range reg.Watch(ctx.Context, name) {
					printWorkers(list)
				}
				return nil
			}

			lookupCtx, cancel := context.WithTimeout(ctx.Context, 5*time.Second)
			defer cancel()
			list, err := reg.Discover(lookupCtx, name)
			if err != nil {
				return err
			}
			printWorkers(list)
			return nil
		},
	}
}

func printWorkers(list []registry.WorkerInstance) {
	if len(list) == 0 {
		fmt.Println("no live workers")
		return
	}
	for _, w := range list {
		fmt.Printf("%s\tpid=%d\tweight=%d\tup=%s\t%s\n",
			w.ID, w.PID, w.Weight, time.Since(w.StartedAt).Round(time.Second), w.Command)
	}
}
