package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Astemirdum/lending-service/pkg/kafka"
	"github.com/Astemirdum/lending-service/pkg/logger"
	"github.com/Astemirdum/lending-service/pkg/postgres"
	"github.com/kelseyhightower/envconfig"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	AuthHeader = "header"
	AuthJWT    = "jwt"
)

type HTTPServer struct {
	Host         string        `yaml:"host" envconfig:"LENDING_HTTP_HOST" default:"0.0.0.0"`
	Port         string        `yaml:"port" envconfig:"LENDING_HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"readTimeout" envconfig:"HTTP_READ" default:"10s"`
	WriteTimeout time.Duration
}

type Auth struct {
	Mode      string `envconfig:"AUTH_MODE" default:"header"`
	JWTSecret string `envconfig:"JWT_SECRET" json:"-"`
}

type Lending struct {
	StorageDriver string        `envconfig:"STORAGE_DRIVER" default:"postgres"`
	LoanPeriod    time.Duration `envconfig:"LOAN_PERIOD" default:"336h"`
}

type Config struct {
	Server   HTTPServer   `yaml:"server"`
	Database postgres.DB  `yaml:"db"`
	Kafka    kafka.Config `yaml:"kafka"`
	Auth     Auth         `yaml:"auth"`
	Lending  Lending      `yaml:"lending"`
	Log      logger.Log   `yaml:"log"`
}

func (c *Config) Validate() error {
	switch c.Lending.StorageDriver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Lending.StorageDriver)
	}
	switch c.Auth.Mode {
	case AuthHeader:
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required for AUTH_MODE=%s", AuthJWT)
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.Auth.Mode)
	}
	return nil
}

var (
	once sync.Once
	cfg  *Config
)

// NewConfig reads config from environment.
func NewConfig(ops ...Option) *Config {
	once.Do(func() {
		var config Config
		for _, op := range ops {
			op(&config)
		}
		if err := envconfig.Process("", &config); err != nil {
			log.Fatal("NewConfig ", err)
		}
		if err := config.Validate(); err != nil {
			log.Fatal("NewConfig ", err)
		}
		cfg = &config
		printConfig(cfg)
	})

	return cfg
}

func printConfig(cfg *Config) {
	jscfg, _ := json.MarshalIndent(cfg, "", "	") //nolint:errcheck
	fmt.Println(string(jscfg))
}
