package main

import "github.com/Bulkin/fuse-rm/cmd"

func main() {
	cmd.Execute()
}
