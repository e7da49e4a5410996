package store

import (
	"context"
	"fmt"

	"github.com/mahaj/dupahar-dm/pkg/db"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver string // "scylla", "mongo" or "memory"

	Scylla db.Options

	MongoURI      string
	MongoDatabase string
}

// Open connects the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "scylla", "":
		session, err := db.NewSession(opts.Scylla)
		if err != nil {
			return nil, err
		}
		return NewScyllaStore(session), nil
	case "mongo":
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
}
