package main

import (
	"context"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/ldapdev/cmd/ldapdev/internal/commands"
	"github.com/wolfeidau/ldapdev/internal/pki"
)

var version = "dev"

type CLI struct {
	Certs   commands.CertsCmd `cmd:"" help:"Generate and check development TLS certificates"`
	Test    commands.TestCmd  `cmd:"" help:"Test connectivity to the directory server"`
	Debug   bool              `help:"Enable debug mode."`
	OTel    bool              `name:"otel" help:"Export traces and metrics over OTLP (configured by OTEL_EXPORTER_OTLP_* variables)."`
	Version kong.VersionFlag
}

func newParser(ctx context.Context, cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	algorithms := make([]string, 0, len(pki.KeyAlgorithms))
	for _, alg := range pki.KeyAlgorithms {
		algorithms = append(algorithms, string(alg))
	}

	options = append([]kong.Option{
		kong.Name("ldapdev"),
		kong.Description("Development tooling for the OpenLDAP test environment."),
		kong.UsageOnError(),
		kong.Vars{
			"version":        version,
			"key_algorithms": strings.Join(algorithms, ", "),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	}, options...)

	return kong.New(cli, options...)
}

func main() {
	ctx := context.Background()

	var cli CLI
	parser, err := newParser(ctx, &cli)
	if err != nil {
		panic(err)
	}

	cmd, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	err = cmd.Run(&commands.Globals{Debug: cli.Debug, OTel: cli.OTel, Version: version})
	if err != nil {
		cmd.Errorf("%s", err)
		cmd.Exit(pki.ExitCode(err))
	}
}
