package main

import "cmmsbridge/cmd"

func main() {
	cmd.Execute()
}
