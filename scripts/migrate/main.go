package main

import (
	"flag"

	"github.com/mahaj/dupahar-dm/pkg/config"
	"github.com/mahaj/dupahar-dm/pkg/db"
	"github.com/mahaj/dupahar-dm/pkg/logger"
)

func main() {
	rf := flag.Int("rf", 1, "keyspace replication factor")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(cfg.Env, "migrate")

	opts := db.Options{Hosts: cfg.ScyllaHosts, Keyspace: cfg.ScyllaKeyspace}
	if err := db.Migrate(opts, *rf); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Str("keyspace", cfg.ScyllaKeyspace).Msg("schema up to date")
}
