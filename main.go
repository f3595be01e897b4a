package main

import "github.com/Martian-dev/syncd/internal/cli"

func main() {
	cli.Execute()
}
