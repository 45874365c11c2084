package main

import (
	"os"

	"github.com/3scale/ovpn-pki-manager/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
