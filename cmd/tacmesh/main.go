package main

import (
	"context"
	"os"

	"github.com/FourMIK/AetherCore-sub002/cmd/tacmesh/commands"
)

func main() {
	if err := commands.RootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
