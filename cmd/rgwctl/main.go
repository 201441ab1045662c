package main

import "github.com/eliq/ceph/internal/cli"

func main() {
	cli.Execute()
}
