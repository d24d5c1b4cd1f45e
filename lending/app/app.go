package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Astemirdum/lending-service/lending/config"
	"github.com/Astemirdum/lending-service/lending/internal/handler"
	"github.com/Astemirdum/lending-service/lending/internal/repository"
	"github.com/Astemirdum/lending-service/lending/internal/server"
	"github.com/Astemirdum/lending-service/lending/internal/service"
	"github.com/Astemirdum/lending-service/lending/migrations"
	"github.com/Astemirdum/lending-service/pkg/kafka"
	"github.com/Astemirdum/lending-service/pkg/logger"
	md "github.com/Astemirdum/lending-service/pkg/middleware"
	"github.com/Astemirdum/lending-service/pkg/postgres"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func Run(cfg *config.Config) error {
	log := logger.NewLogger(cfg.Log, "lending")
	defer log.Sync() //nolint:errcheck

	repo, closeRepo, err := newRepository(cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	publisher, closePublisher, err := newPublisher(cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	svc := service.NewService(repo, log,
		service.WithLoanPeriod(cfg.Lending.LoanPeriod),
		service.WithPublisher(publisher),
	)
	h := handler.New(svc, log, handler.WithAuth(authMiddleware(cfg.Auth)))

	srv := server.NewServer(cfg.Server, h.NewRouter())
	log.Info("http server start ON: ",
		zap.String("addr",
			net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)),
		zap.String("storage", cfg.Lending.StorageDriver),
		zap.String("auth", cfg.Auth.Mode))
	go func() {
		if err := srv.Run(); err != nil {
			log.Error("server run", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	termSig := <-sig

	log.Debug("Graceful shutdown", zap.Any("signal", termSig))

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err = srv.Stop(closeCtx); err != nil {
		log.Error("srv.Stop", zap.Error(err))
	}
	log.Info("Graceful shutdown finished")
	return nil
}

func newRepository(cfg *config.Config, log *zap.Logger) (repository.Repository, func(), error) {
	if cfg.Lending.StorageDriver == config.StorageMemory {
		log.Warn("in-memory storage: state is lost on restart")
		return repository.NewMemoryRepository(), func() {}, nil
	}
	db, err := postgres.NewPostgresDB(context.Background(), &cfg.Database, migrations.MigrationFiles)
	if err != nil {
		return nil, nil, fmt.Errorf("db init %v", err)
	}
	repo, err := repository.NewRepository(db, log)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("repo lending %v", err)
	}
	return repo, db.Close, nil
}

func newPublisher(cfg kafka.Config, log *zap.Logger) (kafka.Publisher, func(), error) {
	if !cfg.Enable {
		return kafka.NewNopPublisher(), func() {}, nil
	}
	if err := kafka.CreateTopics(cfg); err != nil {
		log.Warn("kafka create topics", zap.Error(err))
	}
	producer, err := kafka.NewSyncProducer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer %v", err)
	}
	closeFn := func() {
		if err := producer.Close(); err != nil {
			log.Error("kafka producer close", zap.Error(err))
		}
	}
	return kafka.NewPublisher(producer, cfg.LendingTopic), closeFn, nil
}

func authMiddleware(cfg config.Auth) echo.MiddlewareFunc {
	if cfg.Mode == config.AuthJWT {
		return md.JwtAuthentication([]byte(cfg.JWTSecret))
	}
	return md.AuthContext
}
