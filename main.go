package main

import "github.com/jake-scott/smarther-bridge/cmd"

func main() {
	cmd.Execute()
}
