package main

import "github.com/duanfuxing/indexTTS/services/worker/cli"

func main() {
	cli.Execute()
}
