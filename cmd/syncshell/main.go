package main

import "github.com/syncshell/syncshell/cmd/syncshell/cmd"

func main() {
	cmd.Execute()
}
