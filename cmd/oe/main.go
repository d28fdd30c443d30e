// Command oe measures, signs and inspects enclave images.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&measureCmd{}, "")
	subcommands.Register(&signCmd{}, "")
	subcommands.Register(&inspectCmd{}, "")
	subcommands.Register(&eeidCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
