package main

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/stokerproject/stoker/internal/common"
	"github.com/stokerproject/stoker/internal/common/app"
	"github.com/stokerproject/stoker/internal/stokerjob"
)

// The supervisor spawns this binary with its stdout and stderr already
// redirected into the job's output log, so everything below, wrapper logging
// included, ends up there.
func main() {
	machineName := pflag.String("machine", "", "Built-in machine to run, one of: "+strings.Join(stokerjob.Machines(), ", "))
	pflag.Parse()

	common.ConfigureLogging()

	args := pflag.Args()
	if *machineName == "" || len(args) < 1 {
		pflag.Usage()
		os.Exit(2)
	}
	paramsPath := args[0]
	apiURL := ""
	if len(args) > 1 {
		apiURL = args[1]
	}

	wrapper, err := stokerjob.NewWrapper(*machineName, paramsPath, apiURL, os.Stdout)
	if err != nil {
		log.Error(err)
		os.Exit(2)
	}
	os.Exit(int(wrapper.Run(app.CreateContextWithShutdown())))
}
