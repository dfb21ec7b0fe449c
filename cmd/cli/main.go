package main

import (
	"github.com/mchmarny/cardscore/pkg/cli"
)

func main() {
	cli.Execute()
}
