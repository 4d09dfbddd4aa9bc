package main

import "github.com/IshanDwivedii/smtp-pool/cmd/smtp-pool/commands"

func main() {
	commands.Execute()
}
