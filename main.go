package main

import "github.com/markb/livesync/cmd"

func main() {
	cmd.Execute()
}
