// Command kensactl checks queries offline the same way the server does.
package main

import "os"

func main() {
	os.Exit(Execute())
}
