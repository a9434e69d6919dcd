package main

import (
	"log"

	"github.com/lkarlslund/croxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
