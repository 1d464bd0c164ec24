package main

import "tripload/internal/cli"

func main() {
	cli.Execute()
}
