// Package config 加载 bulkload 命令的配置。
//
// 优先级从高到低：命令行参数、BULKLOAD_ 前缀的环境变量（含 .env 文件）、
// 配置文件（.bulkload.yaml）、默认值。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/rushairer/bulkinsert"
)

// AppFs 读取配置、.env 与数据文件使用的文件系统
var AppFs = afero.NewOsFs()

const (
	EnvPrefix      = "BULKLOAD"
	ConfigName     = ".bulkload"
	DefaultStream  = "bulkinsert:history"
	DefaultBackoff = 50 * time.Millisecond
)

// Config bulkload 配置
type Config struct {
	Driver string
	DSN    string
	Table  string

	File   string
	Format string // csv / ndjson，空则按扩展名判断
	Null   string // CSV 中表示 NULL 的字面量

	Ignore  bool
	Updates []string

	Retries int
	Backoff time.Duration

	MetricsAddr string
	RedisAddr   string
	RedisStream string

	LogLevel  string
	LogFormat string
}

// Load 从 viper 读取配置。configFile 非空时只读取该文件，否则在当前目录与用户目录下查找。
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := loadDotenv(".env", false); err != nil {
		return nil, err
	}
	// .env.local 优先级更高
	if err := loadDotenv(".env.local", true); err != nil {
		return nil, err
	}

	v.SetFs(AppFs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	// 兼容通用的 DATABASE_URL
	_ = v.BindEnv("dsn", EnvPrefix+"_DSN", "DATABASE_URL")

	v.SetDefault("format", "")
	v.SetDefault("file", "-")
	v.SetDefault("null", `\N`)
	v.SetDefault("retries", 0)
	v.SetDefault("backoff", DefaultBackoff)
	v.SetDefault("redis_stream", DefaultStream)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(home)
		v.AddConfigPath(filepath.Join(home, ".config", "bulkload"))

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Driver:      strings.ToLower(v.GetString("driver")),
		DSN:         v.GetString("dsn"),
		Table:       v.GetString("table"),
		File:        v.GetString("file"),
		Format:      strings.ToLower(v.GetString("format")),
		Null:        v.GetString("null"),
		Ignore:      v.GetBool("ignore"),
		Updates:     splitList(v.GetStringSlice("update")),
		Retries:     v.GetInt("retries"),
		Backoff:     v.GetDuration("backoff"),
		MetricsAddr: v.GetString("metrics_addr"),
		RedisAddr:   v.GetString("redis_addr"),
		RedisStream: v.GetString("redis_stream"),
		LogLevel:    v.GetString("log_level"),
		LogFormat:   v.GetString("log_format"),
	}
	return cfg, nil
}

// Validate 检查必填项与取值范围
func (c *Config) Validate() error {
	var errs []error

	if c.Driver == "" {
		errs = append(errs, errors.New("driver is required"))
	} else if _, err := bulkinsert.DriverByName(c.Driver); err != nil {
		errs = append(errs, err)
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	} else if c.Driver == "mysql" {
		if _, err := mysql.ParseDSN(c.DSN); err != nil {
			errs = append(errs, fmt.Errorf("invalid mysql dsn: %w", err))
		}
	}
	if strings.TrimSpace(c.Table) == "" {
		errs = append(errs, errors.New("table is required"))
	}
	switch c.Format {
	case "", "csv", "ndjson", "jsonl", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported format %q", c.Format))
	}
	if c.Retries < 0 {
		errs = append(errs, errors.New("retries must be >= 0"))
	}
	if c.Ignore && len(c.Updates) > 0 {
		errs = append(errs, errors.New("ignore and update are mutually exclusive"))
	}

	return errors.Join(errs...)
}

// SQLDriverName database/sql 注册的驱动名
func (c *Config) SQLDriverName() string {
	switch c.Driver {
	case "postgresql":
		return "postgres"
	case "sqlite":
		return "sqlite3"
	default:
		return c.Driver
	}
}

// loadDotenv 读取 .env 文件；overload 为 false 时不覆盖已有环境变量
func loadDotenv(name string, overload bool) error {
	f, err := AppFs.Open(name)
	if err != nil {
		return nil
	}
	defer f.Close()

	values, err := godotenv.Parse(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists && !overload {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// splitList 兼容环境变量中逗号分隔的列表
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
