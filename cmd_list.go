package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openexhibits/tagbridge/nfc"
)

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	timeout := fs.Duration("timeout", 3*time.Second, "how long to wait for readers to appear")
	_ = fs.Parse(args)

	ctx, err := nfc.NewReaderContext()
	if err != nil {
		log.Error().Err(err).Msg("could not reach the smart card service")
		return 1
	}
	defer ctx.Release()

	deadline := time.Now().Add(*timeout)
	for {
		names, err := ctx.ListReaders()
		if err == nil && len(names) > 0 {
			for _, name := range names {
				fmt.Println(name)
			}
			return 0
		}
		if time.Now().After(deadline) {
			fmt.Println("no readers found")
			return 0
		}
		time.Sleep(250 * time.Millisecond)
	}
}
