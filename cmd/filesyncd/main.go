// Command filesyncd runs one client's FileSync core as a long-lived daemon:
// a SQLite-backed catalog, a content-addressed local blob cache, and an S3
// remote store, wired together and driven through their start/stop
// lifecycle until interrupted.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
