package main

import (
	"github.com/evolvedb/evolve/internal/cli"

	_ "github.com/evolvedb/evolve/database/mysql"
	_ "github.com/evolvedb/evolve/database/pgx"
	_ "github.com/evolvedb/evolve/database/postgres"
	_ "github.com/evolvedb/evolve/database/sqlite"
	_ "github.com/evolvedb/evolve/database/sqlite3"
)

// Version is set at build time:
// go build -ldflags '-X main.Version=...' ./cmd/evolve
var Version = "dev"

func main() {
	cli.Main(Version)
}
