package main

import "github.com/duanfuxing/indexTTS/services/watchdog/cli"

func main() {
	cli.Execute()
}
