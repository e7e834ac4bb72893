package main

import "github.com/bryanchriswhite/framepipe/cmd/framepipe/commands"

func main() {
	commands.Execute()
}
