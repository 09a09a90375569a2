package main

import "spendguard/internal/cli"

func main() {
	cli.Execute()
}
