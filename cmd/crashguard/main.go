package main

import "crash-guardian/internal/cli"

func main() {
	cli.Execute()
}
