package main

import "github.com/jmcleod/davkeeper/cmd/davkeeper/cmd"

func main() {
	cmd.Execute()
}
