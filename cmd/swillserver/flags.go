package main

import (
	"errors"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/swillrpc/swill/internal/logger"
	"github.com/swillrpc/swill/pkg/swillrpc"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "swillserver"
	ConfigFileName = "config.toml"

	DefaultPort = 8787
)

// flags defines the binary's CLI surface: the "dev" boolean plus the port
// and the stream capacity, the latter two resolved in
// environment-var-then-config-file-then-default order.
func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "local port number to listen on",
			Value: DefaultPort,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SWILLSERVER_PORT"),
				toml.TOML("server.port", path),
			),
			Validator: validatePort,
		},
		&cli.IntFlag{
			Name:  "stream-capacity",
			Usage: "per-request inbound stream buffer size",
			Value: swillrpc.DefaultStreamCapacity,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SWILLSERVER_STREAM_CAPACITY"),
				toml.TOML("server.stream_capacity", path),
			),
		},
	}
}

func validatePort(p int) error {
	if p < 0 || p > 65535 {
		return errors.New("out of range [0-65535]")
	}
	return nil
}

// configFile returns the path to the app's configuration file, creating an
// empty one if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}
