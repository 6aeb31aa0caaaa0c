package main

import (
	"github.com/graphloom/loom/backend/internal/server"
	"github.com/graphloom/loom/backend/internal/util"
	"github.com/graphloom/loom/backend/pkg/logger"
	"github.com/graphloom/loom/backend/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
