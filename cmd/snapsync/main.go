package main

import (
	"powerdns.com/platform/snapsync/cmd/snapsync/commands"

	// Register storage engines
	_ "powerdns.com/platform/snapsync/storage/leveldb"
	_ "powerdns.com/platform/snapsync/storage/lmdb"
	_ "powerdns.com/platform/snapsync/storage/memory"

	// Register archive backends
	_ "github.com/PowerDNS/simpleblob/backends/fs"
	_ "github.com/PowerDNS/simpleblob/backends/memory"
	_ "github.com/PowerDNS/simpleblob/backends/s3"
)

// version is overridden during the build with the go linker
var version = "dev"

func main() {
	commands.SetVersion(version)
	commands.Execute()
}
