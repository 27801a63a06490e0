package main

import (
	"os"

	"github.com/stokerproject/stoker/cmd/stoker/cmd"
	"github.com/stokerproject/stoker/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
