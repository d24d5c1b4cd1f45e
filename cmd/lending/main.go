package main

import (
	stdLog "log"
	"time"

	"github.com/Astemirdum/lending-service/lending/app"
	"github.com/Astemirdum/lending-service/lending/config"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

// @title       Lending API
// @version     1.0
// @description Library catalog and lending tracker.
// @BasePath    /api/v1
func main() {
	if err := godotenv.Load(); err != nil {
		stdLog.Println("no .env file, reading environment only")
	}
	cfg := config.NewConfig(
		config.WithLogLevel(zapcore.InfoLevel),
		config.WithWriteTimeout(time.Minute),
	)

	if err := app.Run(cfg); err != nil {
		stdLog.Fatal(err)
	}
}
