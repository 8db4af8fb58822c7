package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rotisserie/eris"
)

// fileConfig mirrors the TOML layout. Zero values leave the defaults in place.
type fileConfig struct {
	Env    string `toml:"env"`
	Server struct {
		HTTPPort    string `toml:"http_port"`
		MetricsAddr string `toml:"metrics_addr"`
	} `toml:"server"`
	Store struct {
		Driver      string `toml:"driver"`
		PostgresDSN string `toml:"postgres_dsn"`
		SQLitePath  string `toml:"sqlite_path"`
	} `toml:"store"`
	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`
	Lock struct {
		Driver string `toml:"driver"`
		Dir    string `toml:"dir"`
		TTL    string `toml:"ttl"`
	} `toml:"lock"`
	Blob struct {
		Driver      string `toml:"driver"`
		LocalDir    string `toml:"local_dir"`
		S3Bucket    string `toml:"s3_bucket"`
		S3Region    string `toml:"s3_region"`
		S3Endpoint  string `toml:"s3_endpoint"`
		S3PathStyle *bool  `toml:"s3_path_style"`
		GCSBucket   string `toml:"gcs_bucket"`
	} `toml:"blob"`
	AI struct {
		Project string `toml:"vertex_project"`
		Region  string `toml:"vertex_region"`
		Model   string `toml:"vertex_model"`
		Force   *bool  `toml:"force"`
		Timeout string `toml:"timeout"`
	} `toml:"ai_assist"`
	Pipeline struct {
		StageTimeout  string `toml:"stage_timeout"`
		RunTimeout    string `toml:"run_timeout"`
		StaleAfter    string `toml:"stale_after"`
		SweepInterval string `toml:"sweep_interval"`
	} `toml:"pipeline"`
	Worker struct {
		Concurrency       int      `toml:"concurrency"`
		PollInterval      string   `toml:"poll_interval"`
		VisibilityTimeout string   `toml:"visibility_timeout"`
		MaxAttempts       int      `toml:"max_attempts"`
		BackoffInitial    string   `toml:"backoff_initial"`
		BackoffMax        string   `toml:"backoff_max"`
		PriorityQueues    []string `toml:"priority_queues"`
		DLQName           string   `toml:"dlq_name"`
	} `toml:"worker"`
	Intake struct {
		RateLimitCapacity int     `toml:"rate_limit_capacity"`
		RateLimitRefill   float64 `toml:"rate_limit_refill_per_sec"`
		MaxUploadBytes    int64   `toml:"max_upload_bytes"`
	} `toml:"intake"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

func (c *Config) applyFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "open config %s", path)
	}
	defer file.Close()

	var fc fileConfig
	if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&fc); err != nil {
		return eris.Wrapf(err, "parse config %s", path)
	}

	setString(&c.Env, fc.Env)
	setString(&c.HTTPPort, fc.Server.HTTPPort)
	setString(&c.MetricsAddr, fc.Server.MetricsAddr)
	setString(&c.StoreDriver, fc.Store.Driver)
	setString(&c.PostgresDSN, fc.Store.PostgresDSN)
	setString(&c.SQLitePath, fc.Store.SQLitePath)
	setString(&c.RedisAddr, fc.Redis.Addr)
	setString(&c.RedisPassword, fc.Redis.Password)
	setInt(&c.RedisDB, fc.Redis.DB)
	setString(&c.LockDriver, fc.Lock.Driver)
	setString(&c.LockDir, fc.Lock.Dir)
	setString(&c.BlobDriver, fc.Blob.Driver)
	setString(&c.BlobLocalDir, fc.Blob.LocalDir)
	setString(&c.S3Bucket, fc.Blob.S3Bucket)
	setString(&c.S3Region, fc.Blob.S3Region)
	setString(&c.S3Endpoint, fc.Blob.S3Endpoint)
	setBool(&c.S3PathStyle, fc.Blob.S3PathStyle)
	setString(&c.GCSBucket, fc.Blob.GCSBucket)
	setString(&c.VertexProject, fc.AI.Project)
	setString(&c.VertexRegion, fc.AI.Region)
	setString(&c.VertexModel, fc.AI.Model)
	setBool(&c.ForceAIAssist, fc.AI.Force)
	setInt(&c.WorkerConcurrency, fc.Worker.Concurrency)
	setInt(&c.MaxAttempts, fc.Worker.MaxAttempts)
	setString(&c.DLQName, fc.Worker.DLQName)
	if len(fc.Worker.PriorityQueues) > 0 {
		c.PriorityQueues = fc.Worker.PriorityQueues
	}
	setInt(&c.RateLimitCapacity, fc.Intake.RateLimitCapacity)
	if fc.Intake.RateLimitRefill > 0 {
		c.RateLimitRefill = fc.Intake.RateLimitRefill
	}
	if fc.Intake.MaxUploadBytes > 0 {
		c.MaxUploadBytes = fc.Intake.MaxUploadBytes
	}
	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFormat, fc.Log.Format)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"lock.ttl", fc.Lock.TTL, &c.LockTTL},
		{"ai_assist.timeout", fc.AI.Timeout, &c.AIAssistTimeout},
		{"pipeline.stage_timeout", fc.Pipeline.StageTimeout, &c.StageTimeout},
		{"pipeline.run_timeout", fc.Pipeline.RunTimeout, &c.RunTimeout},
		{"pipeline.stale_after", fc.Pipeline.StaleAfter, &c.StaleAfter},
		{"pipeline.sweep_interval", fc.Pipeline.SweepInterval, &c.SweepInterval},
		{"worker.poll_interval", fc.Worker.PollInterval, &c.WorkerPollInterval},
		{"worker.visibility_timeout", fc.Worker.VisibilityTimeout, &c.VisibilityTimeout},
		{"worker.backoff_initial", fc.Worker.BackoffInitial, &c.BackoffInitial},
		{"worker.backoff_max", fc.Worker.BackoffMax, &c.BackoffMax},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return eris.Wrapf(err, "config %s", d.key)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
