package main

import "github.com/Davincible/llm-stream-gateway/cmd"

func main() {
	cmd.Execute()
}
