package middleware

import (
	"github.com/MicahParks/keyfunc/v3"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/graphloom/loom/backend/pkg/ai"
	"github.com/graphloom/loom/backend/pkg/extract"
)

// App bundles the shared server dependencies. The router is stateful
// and must be the single process-wide instance; everything else is a
// handle.
type App struct {
	Router       *extract.Router
	Queue        *amqp091.Channel
	Key          *keyfunc.Keyfunc
	AiClient     ai.GraphAIClient
	MasterAPIKey string
}

// AppUser is the authenticated caller extracted from the bearer token.
type AppUser struct {
	Subject string
	Role    string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
