package main

import (
	"github.com/mahaj/dupahar-dm/pkg/config"
	"github.com/mahaj/dupahar-dm/pkg/db"
	"github.com/mahaj/dupahar-dm/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "drop_table")

	session, err := db.NewSession(db.Options{Hosts: cfg.ScyllaHosts, Keyspace: cfg.ScyllaKeyspace})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	log.Info().Str("keyspace", cfg.ScyllaKeyspace).Msg("dropping chat tables...")
	if err := db.Drop(session); err != nil {
		log.Fatal().Err(err).Msg("failed to drop tables")
	}
	log.Info().Msg("tables dropped")
}
