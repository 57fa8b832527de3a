package main

import "github.com/4citeB4U/familyreunion/cmd"

func main() {
	cmd.Execute()
}
