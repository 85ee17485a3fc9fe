package main

import "github.com/duanfuxing/indexTTS/services/api/cli"

func main() {
	cli.Execute()
}
