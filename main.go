package main

import "github.com/mirelabs/dermatrack/cmd"

func main() {
	cmd.Execute()
}
