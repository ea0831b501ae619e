package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"twofactor-service/internal/config"
	"twofactor-service/internal/util"
)

// PreparedStatements holds the statements used by the repositories.
type PreparedStatements struct {
	CreateUser         *gocql.Query
	CreateEmailToUser  *gocql.Query
	GetUserByID        *gocql.Query
	GetUserByEmail     *gocql.Query
	ResetRestriction   *gocql.Query
	MarkBlocked        *gocql.Query
	ClearBlock         *gocql.Query
	IssueCode          *gocql.Query
	FindCodeMatch      *gocql.Query
	ListCodesForUser   *gocql.Query
	DeleteCodesForUser *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateUser = s.Session.Query(`
        INSERT INTO users (
            user_bucket, user_id, email, password_hash,
            login_attempt, blocked, blocked_at, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateEmailToUser = s.Session.Query(`
        INSERT INTO email_to_user (email, user_bucket, user_id)
        VALUES (?, ?, ?)`)

	prepared.GetUserByID = s.Session.Query(`
        SELECT user_bucket, user_id, email, password_hash,
            login_attempt, blocked, blocked_at, created_at
        FROM users WHERE user_bucket = ? AND user_id = ?`)

	prepared.GetUserByEmail = s.Session.Query(`
        SELECT user_bucket, user_id FROM email_to_user WHERE email = ?`)

	prepared.ResetRestriction = s.Session.Query(`
        UPDATE users SET login_attempt = 0, blocked = false, blocked_at = null
        WHERE user_bucket = ? AND user_id = ?`)

	prepared.MarkBlocked = s.Session.Query(`
        UPDATE users SET login_attempt = 0, blocked = true, blocked_at = ?
        WHERE user_bucket = ? AND user_id = ?`)

	prepared.ClearBlock = s.Session.Query(`
        UPDATE users SET blocked = false, blocked_at = null
        WHERE user_bucket = ? AND user_id = ?`)

	prepared.IssueCode = s.Session.Query(`
        INSERT INTO authentication_codes (user_id, code_id, code, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.FindCodeMatch = s.Session.Query(`
        SELECT user_id, code_id, code, created_at
        FROM authentication_codes
        WHERE user_id = ? AND code = ? LIMIT 1 ALLOW FILTERING`)

	prepared.ListCodesForUser = s.Session.Query(`
        SELECT user_id, code_id, code, created_at
        FROM authentication_codes WHERE user_id = ?`)

	prepared.DeleteCodesForUser = s.Session.Query(`
        DELETE FROM authentication_codes WHERE user_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
