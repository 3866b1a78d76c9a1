package main

import "github.com/jmcleod/vpnpki/cmd/vpnpki/cmd"

func main() {
	cmd.Execute()
}
