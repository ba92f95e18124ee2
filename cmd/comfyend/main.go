package main

import (
	"github.com/matyoung89/ComfyEndpoints/cmd/comfyend/commands"
)

func main() {
	commands.Execute()
}
