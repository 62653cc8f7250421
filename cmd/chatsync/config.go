package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/config"
)

var configCommand = &cli.Command{
	Name:   "config",
	Usage:  "Write the example configuration, or upgrade an existing file in place",
	Action: cmdConfig,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "-",
			Usage:   "Output file path (- for stdout)",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Replace an existing file with the example instead of upgrading it",
		},
	},
}

func cmdConfig(ctx *cli.Context) error {
	output := ctx.String("output")
	if output == "-" {
		fmt.Print(config.ExampleConfig)
		return nil
	}
	if _, err := os.Stat(output); err == nil && !ctx.Bool("force") {
		_, upgraded, err := config.Upgrade(output, true)
		if err != nil {
			return err
		}
		if upgraded {
			fmt.Printf("Upgraded %s, existing values were kept\n", output)
		} else {
			fmt.Printf("%s is already up to date\n", output)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(output, []byte(config.ExampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote example config to %s\n", output)
	return nil
}
