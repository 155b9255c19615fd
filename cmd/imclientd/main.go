// Command imclientd runs the chat client daemon for one session.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/imclient/internal/config"
	"github.com/matheus3301/imclient/internal/daemon"
	"github.com/matheus3301/imclient/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.imclient/config.toml)")
	socketFlag := flag.String("socket", "", "control socket path (default inside the session dir)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	p := daemon.Params{SessionName: sessionName, SocketPath: *socketFlag}
	if *configFlag != "" {
		cfg, err := config.Load(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		p.Config = cfg
	}

	app := fx.New(
		daemon.Module(p),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	app.Run()
}
