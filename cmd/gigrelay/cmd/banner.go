package cmd

import (
	"fmt"
	"io"
)

const banner = `
       _                _
  __ _(_) __ _ _ __ ___| | __ _ _   _
 / _` + "`" + ` | |/ _` + "`" + ` | '__/ _ \ |/ _` + "`" + ` | | | |
| (_| | | (_| | | |  __/ | (_| | |_| |
 \__, |_|\__, |_|  \___|_|\__,_|\__, |
 |___/   |___/                  |___/
`

func printBanner(w io.Writer, mode string) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Realtime relay (%s) - Version %s\x1b[0m\n\n", mode, Version)
}
