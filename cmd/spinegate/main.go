package main

import "github.com/ppiankov/spinegate/internal/cli"

func main() {
	cli.Execute()
}
