package main

import "relayguard/internal/cli"

func main() {
	cli.Execute()
}
