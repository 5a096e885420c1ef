package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	profileFlag := flag.String("profile", "", "profile to sync (defaults to default_profile in config.toml)")
	socketFlag := flag.String("socket", "", "control socket path (defaults to the profile's daemon.sock)")
	debugFlag := flag.Bool("debug", false, "log at debug level, including every control RPC")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "chatsyncd: %v\n", err)
		os.Exit(2)
	}

	fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		daemon.Module(daemon.Params{
			ProfileName: name,
			SocketPath:  *socketFlag,
			Debug:       *debugFlag,
		}),
	).Run()
}
