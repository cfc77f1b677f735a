package main

import "wstunnel-go/internal/cmd"

func main() {
	cmd.Execute()
}
