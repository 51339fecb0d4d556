package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/merit-monitoring/chatpulse/internal/config"
)

// overrides are command-line values that replace configuration file
// settings when given.
type overrides struct {
	connection        string
	database          string
	sessionCollection string
	messageCollection string
	timeRange         int
	batchSize         int
	updateInterval    time.Duration
	host              string
	port              int
	timeScale         string
}

func (o *overrides) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.connection, "connection", "", "source connection string (mongodb://, postgres://, sqlite://)")
	fs.StringVar(&o.database, "database", "", "database name")
	fs.StringVar(&o.sessionCollection, "session-collection", "", "session collection or table")
	fs.StringVar(&o.messageCollection, "message-collection", "", "message collection or table")
	fs.IntVar(&o.timeRange, "time-range", 0, "time range in hours to aggregate")
	fs.IntVar(&o.batchSize, "batch-size", 0, "records fetched per page")
	fs.DurationVar(&o.updateInterval, "update-interval", 0, "period between aggregation cycles")
	fs.StringVar(&o.host, "host", "", "HTTP listen host")
	fs.IntVar(&o.port, "port", 0, "HTTP listen port")
	fs.StringVar(&o.timeScale, "time-scale", "", "bucket width: minute, hour or day")
}

// apply copies every flag that was set on the command line into cfg.
func (o *overrides) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "connection":
			cfg.Source.DSN = o.connection
		case "database":
			cfg.Source.Database = o.database
		case "session-collection":
			cfg.Source.SessionCollection = o.sessionCollection
		case "message-collection":
			cfg.Source.MessageCollection = o.messageCollection
		case "time-range":
			cfg.Aggregation.TimeRangeHours = o.timeRange
		case "batch-size":
			cfg.Source.BatchSize = o.batchSize
		case "update-interval":
			if o.updateInterval <= 0 {
				err = fmt.Errorf("--update-interval must be positive")
				return
			}
			cfg.Aggregation.UpdateInterval = o.updateInterval.String()
		case "host":
			cfg.Server.Host = o.host
		case "port":
			cfg.Server.Port = o.port
		case "time-scale":
			cfg.Aggregation.TimeScale = o.timeScale
		}
	})
	return err
}
