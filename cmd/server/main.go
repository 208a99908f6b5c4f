package main

import "github.com/example/ride-dispatch/cmd/server/command"

func main() {
	command.Execute()
}
