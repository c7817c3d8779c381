package main

import (
	"os"

	"github.com/mrtangpham/ap-quiz/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
