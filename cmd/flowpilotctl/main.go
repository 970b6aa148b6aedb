package main

import "flowpilot/cmd/cli"

func main() {
	cli.Execute()
}
