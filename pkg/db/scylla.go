package db

import (
	"time"

	"github.com/gocql/gocql"
)

// Session is the archive cluster session.
type Session struct {
	*gocql.Session
}

// NewScyllaSession connects to the archive cluster. An empty keyspace
// connects without one, which is what schema bootstrap needs.
func NewScyllaSession(hosts []string, keyspace string) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	if keyspace != "" {
		cluster.Keyspace = keyspace
	}
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	return &Session{Session: session}, nil
}
