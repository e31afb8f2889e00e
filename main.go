package main

import (
	"flag"
	"fmt"
	"os"

	"coverls/internal/server"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Version will be set during the build process using ldflags
var Version = "(dev) v0.0.0"

var log = commonlog.GetLogger("coverls")

func main() {
	versionFlag := flag.Bool("version", false, "Print the version of the program")
	logfileFlag := flag.String("logfile", "", "Path to log file")
	verboseFlag := flag.Int("verbose", 1, "Log verbosity (0 errors only, higher is chattier)")
	dumpFlag := flag.String("dump", "", "Run coverage for a Lua file, print a JSON report and exit")
	configFlag := flag.String("config", "", "Config file (.json, .yaml or .toml) for -dump")
	flag.Parse()

	// Version tag
	if *versionFlag {
		fmt.Printf("coverls LSP server version %s\n", Version)
		return
	}

	// Logging. Stdout carries the protocol, so logs go to a file or stderr.
	var logfile *string
	if *logfileFlag != "" {
		logfile = logfileFlag
	}
	commonlog.Configure(*verboseFlag, logfile)

	if *dumpFlag != "" {
		ok, err := runDump(os.Stdout, *dumpFlag, *configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "coverls: %v\n", err)
			os.Exit(2)
		}
		if !ok {
			os.Exit(1)
		}
		return
	}

	log.Infof("starting coverls %s", Version)
	server, err := server.NewServer(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	if err := server.RunStdio(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
