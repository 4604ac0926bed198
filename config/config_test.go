package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) TestContextHelpersAndKeyString() {
	ctx := context.Background()
	cfg := ConfigurationDefault{ServiceName: "svc"}

	s.Equal("pipeline/config/configurationKey", ctxKeyConfiguration.String())

	ctx = ToContext(ctx, cfg)
	fromCtx := FromContext[ConfigurationDefault](ctx)
	s.Equal("svc", fromCtx.ServiceName)

	missing := FromContext[*ConfigurationDefault](context.Background())
	s.Nil(missing)
}

func (s *ConfigSuite) TestFromEnvDefaults() {
	cfg, err := FromEnv[ConfigurationDefault]()
	s.Require().NoError(err)

	s.Equal("mem://likes", cfg.QueueURL("likes"))
	s.Equal(time.Duration(0), cfg.GetSendFlushInterval())
	s.Equal(100, cfg.GetSendMaxBatch())
	s.Equal(5*time.Second, cfg.GetReceiveWait())
	s.Equal(30*time.Second, cfg.GetRequestTimeout())
	s.Equal(3, cfg.GetSendRetries())
	s.Equal(1, cfg.WorkerInstancesFor("likes"))
	s.Equal(30*time.Second, cfg.GetWorkerStopTimeout())
}

func (s *ConfigSuite) TestQueueMapsFromEnv() {
	s.T().Setenv("QUEUE_URL_TEMPLATE", "redis://localhost:6379/0?queue={queue}")
	s.T().Setenv("QUEUE_URLS", "search=postgres://db/social?queue=search;likes=mem://likes-override")
	s.T().Setenv("WORKER_INSTANCES", "2")
	s.T().Setenv("WORKER_INSTANCES_PER_QUEUE", "likes=4;reports=0")

	cfg, err := FromEnv[ConfigurationDefault]()
	s.Require().NoError(err)

	s.Equal("mem://likes-override", cfg.QueueURL("likes"))
	s.Equal("postgres://db/social?queue=search", cfg.QueueURL("search"))
	s.Equal("redis://localhost:6379/0?queue=moderation", cfg.QueueURL("moderation"))

	s.Equal(4, cfg.WorkerInstancesFor("likes"))
	s.Equal(0, cfg.WorkerInstancesFor("reports"))
	s.Equal(2, cfg.WorkerInstancesFor("search"))
}

func (s *ConfigSuite) TestFromFileOverlaysEnvironment() {
	s.T().Setenv("SERVICE_NAME", "from-env")
	s.T().Setenv("LOG_LEVEL", "warn")

	path := filepath.Join(s.T().TempDir(), "config.yaml")
	content := []byte(`
service_name: from-file
queue_receive_wait: 250ms
worker_instances_per_queue:
  search: 3
`)
	s.Require().NoError(os.WriteFile(path, content, 0o600))

	cfg, err := FromFile[ConfigurationDefault](path)
	s.Require().NoError(err)

	s.Equal("from-file", cfg.Name())
	s.Equal("warn", cfg.LoggingLevel())
	s.Equal(250*time.Millisecond, cfg.GetReceiveWait())
	s.Equal(3, cfg.WorkerInstancesFor("search"))

	_, err = FromFile[ConfigurationDefault](filepath.Join(s.T().TempDir(), "missing.yaml"))
	s.Error(err)
}

func (s *ConfigSuite) TestFallbacksTable() {
	testCases := []struct {
		name         string
		cfg          ConfigurationDefault
		wantExpiry   time.Duration
		wantWait     time.Duration
		wantSlow     time.Duration
		wantRetries  int
		wantMaxBatch int
	}{
		{
			name: "explicit values",
			cfg: ConfigurationDefault{
				WorkerPoolExpiryDuration:      "1500ms",
				QueueReceiveWait:              "2s",
				DatabaseSlowQueryLogThreshold: "450ms",
				QueueSendRetries:              5,
				QueueSendMaxBatch:             10,
			},
			wantExpiry:   1500 * time.Millisecond,
			wantWait:     2 * time.Second,
			wantSlow:     450 * time.Millisecond,
			wantRetries:  5,
			wantMaxBatch: 10,
		},
		{
			name: "invalid values fall back",
			cfg: ConfigurationDefault{
				WorkerPoolExpiryDuration:      "invalid",
				QueueReceiveWait:              "-1s",
				DatabaseSlowQueryLogThreshold: "invalid",
				QueueSendRetries:              -1,
				QueueSendMaxBatch:             0,
			},
			wantExpiry:   time.Second,
			wantWait:     5 * time.Second,
			wantSlow:     DefaultSlowQueryThreshold,
			wantRetries:  3,
			wantMaxBatch: 100,
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			s.Equal(tc.wantExpiry, tc.cfg.GetExpiryDuration())
			s.Equal(tc.wantWait, tc.cfg.GetReceiveWait())
			s.Equal(tc.wantSlow, tc.cfg.GetDatabaseSlowQueryLogThreshold())
			s.Equal(tc.wantRetries, tc.cfg.GetSendRetries())
			s.Equal(tc.wantMaxBatch, tc.cfg.GetSendMaxBatch())
		})
	}
}

func (s *ConfigSuite) TestDatabaseConfig() {
	cfg := &ConfigurationDefault{
		DatabasePrimaryURL:                   []string{"postgres://primary"},
		DatabaseSkipDefaultTransaction:       true,
		DatabasePreferSimpleProtocol:         true,
		DatabaseMaxIdleConnections:           4,
		DatabaseMaxOpenConnections:           9,
		DatabaseMaxConnectionLifeTimeSeconds: 321,
		DatabaseTraceQueries:                 true,
	}

	origArgs := os.Args
	s.T().Cleanup(func() { os.Args = origArgs })

	os.Args = []string{"bin", "run"}
	s.False(cfg.DoDatabaseMigrate())
	os.Args = []string{"bin", "migrate"}
	s.True(cfg.DoDatabaseMigrate())

	s.Equal([]string{"postgres://primary"}, cfg.GetDatabasePrimaryHostURL())
	s.True(cfg.SkipDefaultTransaction())
	s.True(cfg.PreferSimpleProtocol())
	s.Equal(4, cfg.GetMaxIdleConnections())
	s.Equal(9, cfg.GetMaxOpenConnections())
	s.Equal(321*time.Second, cfg.GetMaxConnectionLifeTimeInSeconds())
	s.True(cfg.CanDatabaseTraceQueries())
}

func (s *ConfigSuite) TestRatesAndDiagnosticsFromEnv() {
	s.T().Setenv("WORKER_RATE_PER_QUEUE", "resize-images=2.5;search=10")
	s.T().Setenv("WORKER_RATE_BURST", "0")
	s.T().Setenv("DIAGNOSTICS_ENABLE", "true")

	cfg, err := FromEnv[ConfigurationDefault]()
	s.Require().NoError(err)

	s.Equal(map[string]float64{"resize-images": 2.5, "search": 10}, cfg.WorkerRates())
	s.Equal(1, cfg.GetWorkerRateBurst())
	s.True(cfg.DiagnosticsEnabled())
	s.Equal(":6060", cfg.DiagnosticsAddr())
}
