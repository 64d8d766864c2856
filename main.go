package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openexhibits/tagbridge/buildinfo"
)

const usage = `Usage: tagbridge <command> [flags]

Commands:
  list      enumerate attached card readers
  serve     run the reader bridge and WebSocket server
  monitor   connect to a running server and echo snapshots
  simulate  drive the server from a terminal UI instead of hardware
  version   print build information

Run "tagbridge <command> -h" for command flags.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	setupLogging("info")

	var code int
	switch os.Args[1] {
	case "list":
		code = runList(os.Args[2:])
	case "serve":
		code = runServe(os.Args[2:])
	case "monitor":
		code = runMonitor(os.Args[2:])
	case "simulate":
		code = runSimulate(os.Args[2:])
	case "version":
		fmt.Println(buildinfo.BuildInfo())
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		code = 2
	}
	os.Exit(code)
}

func setupLogging(level string) {
	zerolog.SetGlobalLevel(logLevel(level, buildinfo.IsDev()))
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
	})
}

// logLevel resolves the configured level, falling back to info on a bad
// value. Development builds turn the info default into debug; an explicitly
// quieter level is kept.
func logLevel(level string, dev bool) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if dev && lvl == zerolog.InfoLevel {
		lvl = zerolog.DebugLevel
	}
	return lvl
}
