package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/services"
)

// token mints a bearer token for the admin routes, signed with the
// configured auth.jwt_secret.
func main() {
	subject := flag.String("subject", "ops", "token subject")
	role := flag.String("role", services.RoleAdmin, "role claim")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	auth := services.NewAuthService(cfg.Auth, logger)
	token, err := auth.GenerateToken(*subject, *role)
	if err != nil {
		logger.WithError(err).Fatal("Failed to generate token")
	}

	logger.WithFields(logrus.Fields{
		"subject": *subject,
		"role":    *role,
		"ttl":     cfg.Auth.TokenTTL,
	}).Info("Token issued")
	fmt.Println(token)
}
