package main

import "corridor-flows/internal/cli"

func main() {
	cli.Execute()
}
