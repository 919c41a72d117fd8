// Package main mints bearer tokens for operators and local testing, signed
// with the service's configured JWT secret.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/R3E-Network/sitcoin/internal/app/auth"
	"github.com/R3E-Network/sitcoin/internal/config"
	"github.com/R3E-Network/sitcoin/internal/middleware"
)

func main() {
	userID := flag.String("user", "", "User ID carried in the token")
	accountID := flag.String("account", "", "Ledger account owned by the user")
	role := flag.String("role", string(auth.RoleUser), "Role claim: user or admin")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	flag.Parse()

	if strings.TrimSpace(*userID) == "" {
		fmt.Fprintln(os.Stderr, "usage: sitcoin-token -user ID [-account SITC0000001] [-role admin] [-ttl 1h]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	secret, err := cfg.Auth.SigningKey()
	if err != nil {
		log.Fatalf("JWT_SECRET invalid: %v", err)
	}

	caller := auth.Caller{
		UserID:    strings.TrimSpace(*userID),
		Role:      auth.ParseRole(*role),
		AccountID: strings.TrimSpace(*accountID),
	}
	if caller.Role == auth.RoleSystem {
		log.Fatal("system tokens cannot be issued")
	}

	token, err := middleware.IssueToken(secret, cfg.Auth.JWTIssuer, caller, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
