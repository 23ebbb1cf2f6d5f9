package main

import "market-autopilot/internal/cli"

func main() {
	cli.Execute()
}
