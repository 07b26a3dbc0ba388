package main

import "github.com/legionworks/legion/cmd"

func main() {
	cmd.Execute()
}
