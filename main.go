package main

import "github.com/agencykit/agentd/cmd"

func main() {
	cmd.Execute()
}
