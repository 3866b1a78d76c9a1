package cmd

import (
	"fmt"
	"io"
)

const banner = `
                        _    _ 
 __   ___ __  _ __  _ __ | | _(_)
 \ \ / / '_ \| '_ \| '_ \| |/ / |
  \ V /| |_) | | | | |_) |   <| |
   \_/ | .__/|_| |_| .__/|_|\_\_|
       |_|         |_|           
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  OpenVPN PKI Service - Version %s\x1b[0m\n\n", Version)
}
