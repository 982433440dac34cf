package main

import "github.com/bryanchriswhite/lenscast/cmd/lenscast/commands"

func main() {
	commands.Execute()
}
