package main

import "shoten/cmd"

func main() {
	cmd.Execute()
}
