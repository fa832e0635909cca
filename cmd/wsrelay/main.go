// Command wsrelay runs a WebSocket echo server or dials one, driven by
// the websocket package's Engine/Driver pair.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/duskline/wsrelay/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:  "wsrelay",
		Usage: "a WebSocket endpoint driven by a nonblocking connection engine",
		Commands: []*cli.Command{
			serveCommand(),
			dialCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsrelay: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "accept connections and echo every message back to its sender",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a TOML server config file"},
			&cli.StringFlag{Name: "bind", Value: "0.0.0.0", Usage: "address to bind"},
			&cli.IntFlag{Name: "port", Value: 8080, Usage: "port to listen on"},
			&cli.BoolFlag{Name: "pretty-log", Usage: "human-readable console logging instead of JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger(cmd.Bool("pretty-log"))

			cfg := websocket.DefaultServerConfig()
			if path := cmd.String("config"); path != "" {
				loaded, err := websocket.LoadServerConfigTOML(path)
				if err != nil {
					return err
				}
				cfg = loaded
			} else {
				cfg.BindAddress = cmd.String("bind")
				cfg.Port = int(cmd.Int("port"))
			}

			ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			driver := websocket.NewDriver(websocket.DriverOptions{
				AcceptTimeout: cfg.AcceptTimeout,
				Logger:        &log,
			})
			go driver.Run(ctx)

			server := websocket.NewServer(cfg, nil, driver, &log)
			go runEchoLoop(ctx, driver, log)

			log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)).Msg("listening")
			return server.Serve(ctx)
		},
	}
}

// runEchoLoop is the demo application logic: accept every handshake
// and write every received message straight back to its sender.
func runEchoLoop(ctx context.Context, driver *websocket.Driver, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-driver.Events():
			switch ev.Code {
			case websocket.EventNewConnection:
				driver.Accept(ev.Index, "")
			case websocket.EventRead:
				driver.Write(ev.Index, ev.Payload, ev.Opcode, true)
			case websocket.EventPing:
				// the engine already queued the Pong; nothing to do.
			default:
				if ev.Err != nil {
					log.Warn().Uint64("index", ev.Index).Str("event", ev.Code.String()).Err(ev.Err).Msg("connection event")
				}
			}
		}
	}
}

func dialCommand() *cli.Command {
	return &cli.Command{
		Name:  "dial",
		Usage: "connect to a server, send one text message, and print whatever comes back",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Required: true},
			&cli.IntFlag{Name: "port", Value: 80},
			&cli.StringFlag{Name: "path", Value: "/"},
			&cli.StringFlag{Name: "message", Value: "hello"},
			&cli.BoolFlag{Name: "tls"},
			&cli.BoolFlag{Name: "allow-self-signed"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger(true)

			ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			driver := websocket.NewDriver(websocket.DriverOptions{Logger: &log})
			go driver.Run(ctx)

			cfg := websocket.ClientConfig{
				Host:            cmd.String("host"),
				Port:            int(cmd.Int("port")),
				Path:            cmd.String("path"),
				UseTLS:          cmd.Bool("tls"),
				AllowSelfSigned: cmd.Bool("allow-self-signed"),
				Engine:          websocket.DefaultEngineConfig(),
			}

			idx, err := websocket.Dial(cfg, nil, driver, &log)
			if err != nil {
				return err
			}

			message := cmd.String("message")
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-driver.Events():
					if ev.Index != idx {
						continue
					}
					switch ev.Code {
					case websocket.EventConnectionAccepted:
						driver.Write(idx, []byte(message), websocket.OpcodeText, true)
					case websocket.EventRead:
						fmt.Println(string(ev.Payload))
						driver.SendClose(idx, websocket.CloseNormalClosure, "")
						driver.CloseAfterWrite(idx)
						return nil
					case websocket.EventConnectionDenied:
						return fmt.Errorf("server denied the handshake")
					}
				}
			}
		},
	}
}
