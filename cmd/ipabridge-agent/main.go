package main

import "github.com/cloudkeep/ipabridge/cmd/ipabridge-agent/cmd"

func main() {
	cmd.Execute()
}
