// Command tinyipc-worker is a sample worker. It serves requests on stdin/stdout until
// stdin closes or the parent sends __shutdown__.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"tiny-ipc/ipcerr"
	"tiny-ipc/logging"
	"tiny-ipc/middleware"
	"tiny-ipc/server"
)

type AddArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type AddReply struct {
	Sum float64 `json:"sum"`
}

type Calc struct{}

func (c *Calc) Add(args *AddArgs, reply *AddReply) error {
	reply.Sum = args.A + args.B
	return nil
}

type SleepArgs struct {
	Ms int `json:"ms"`
}

func (c *Calc) Sleep(ctx context.Context, args *SleepArgs, reply *string) error {
	if args.Ms < 0 {
		return ipcerr.InvalidParams("ms must not be negative")
	}
	select {
	case <-time.After(time.Duration(args.Ms) * time.Millisecond):
		*reply = "slept"
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if params == nil {
		return ipcerr.InvalidParams("params are required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ipcerr.WrapParams(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "tinyipc-worker",
		Usage: "sample worker speaking NDJSON on stdin/stdout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level for stderr output.",
				Value:   "info",
				EnvVars: []string{logging.EnvLogLevel},
			},
			&cli.Float64Flag{
				Name:  "rate",
				Usage: "Maximum calls per second; 0 disables rate limiting.",
			},
			&cli.IntFlag{
				Name:  "burst",
				Usage: "Burst size for --rate.",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:  "handler-timeout",
				Usage: "Fail calls whose handler runs longer than this; 0 disables.",
			},
		},
		Action: func(ctx *cli.Context) error {
			logger, err := logging.New(logging.Config{Level: ctx.String("log-level")})
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			s := server.NewServer(server.WithLogger(logger.Named("server")))
			s.Use(middleware.Recover(logger))
			s.Use(middleware.Logging(logger))
			if r := ctx.Float64("rate"); r > 0 {
				s.Use(middleware.RateLimit(r, ctx.Int("burst")))
			}
			if d := ctx.Duration("handler-timeout"); d > 0 {
				s.Use(middleware.Timeout(d))
			}

			calc := &Calc{}
			if err := s.Register(calc); err != nil {
				return err
			}
			s.Handle("add", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				var args AddArgs
				if err := decodeParams(params, &args); err != nil {
					return nil, err
				}
				var reply AddReply
				err := calc.Add(&args, &reply)
				return reply, err
			})
			s.Handle("sleep", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				var args SleepArgs
				if err := decodeParams(params, &args); err != nil {
					return nil, err
				}
				var reply string
				err := calc.Sleep(ctx, &args, &reply)
				return reply, err
			})
			s.Handle("ping", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				return "pong", nil
			})
			s.Handle("echo", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				if params == nil {
					return nil, nil
				}
				return params, nil
			})

			logger.Infow("worker ready", "pid", os.Getpid(), "methods", s.Methods())
			return s.Serve(os.Stdin, os.Stdout)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
