package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tickframe/logpipe/internal/app"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("logpipe %s\n", version)
		return
	}

	if *configFile == "" {
		*configFile = os.Getenv("LOGPIPE_CONFIG")
	}

	a, err := app.New(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logpipe: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		a.Logger().WithError(err).Error("Logpipe exited with error")
		os.Exit(1)
	}
}
