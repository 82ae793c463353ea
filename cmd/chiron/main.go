package main

import "github.com/chiron-dev/chiron/internal/cli"

func main() {
	cli.Execute()
}
