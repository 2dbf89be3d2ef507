// Command sqllab runs the SQL Lab HTTP server, its async workers, and the
// metastore admin tasks.
package main

import "os"

func main() {
	os.Exit(execute(os.Args[1:]))
}
