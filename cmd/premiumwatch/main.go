package main

import "commodity-premium-alerts/internal/cli"

func main() {
	cli.Execute()
}
