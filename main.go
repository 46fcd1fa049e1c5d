package main

import "abengine/internal/cli"

func main() {
	cli.Execute()
}
