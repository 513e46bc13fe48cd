package main

import (
	"os"
	_ "time/tzdata"

	"github.com/nm2tech/tokenmeter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
