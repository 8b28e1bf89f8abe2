package main

import "github.com/rhysllwydlewis/eventflow-messaging/cmd/chatclient/cmd"

func main() {
	cmd.Execute()
}
