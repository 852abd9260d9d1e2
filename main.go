package main

import (
	"github.com/sidkik/vaultsync/cmd"
	"github.com/sidkik/vaultsync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
