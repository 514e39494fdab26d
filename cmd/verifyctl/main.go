package main

import "go.pilab.hu/verifybot/cmd/verifyctl/cmd"

func main() {
	cmd.Execute()
}
