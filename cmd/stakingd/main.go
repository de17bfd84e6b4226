package main

import (
	"log"

	"riffstake/services/stakingd"
)

func main() {
	if err := stakingd.Main(); err != nil {
		log.Fatalf("stakingd: %v", err)
	}
}
