package cmd

import (
	"fmt"
	"io"
)

const banner = `
      _             _
   __| | __ ___   _| | _____  ___ _ __   ___ _ __
  / _` + "`" + ` |/ _` + "`" + ` \ \ / / |/ / _ \/ _ \ '_ \ / _ \ '__|
 | (_| | (_| |\ V /|   <  __/  __/ |_) |  __/ |
  \__,_|\__,_| \_/ |_|\_\___|\___| .__/ \___|_|
                                 |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  WebDAV credential keeper - Version %s\x1b[0m\n\n", Version)
}
