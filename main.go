package main

import "github.com/sunbk201/idmask/cmd"

func main() {
	cmd.Execute()
}
