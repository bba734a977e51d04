// Package main provides a development helper that mints gateway JWTs and
// hashes static API keys.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/chatgate/internal/auth"
	"github.com/cory-johannsen/chatgate/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	userID := flag.String("id", "", "user id claim")
	username := flag.String("username", "", "username claim")
	ttl := flag.Duration("ttl", 0, "token lifetime; defaults to auth.token_ttl")
	hashKey := flag.String("hash-key", "", "print the bcrypt hash of this static API key secret and exit")
	flag.Parse()

	if *hashKey != "" {
		hash, err := auth.HashKey(*hashKey)
		if err != nil {
			log.Fatalf("hashing key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	if *userID == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "usage: devtoken -id <user id> -username <name> [-ttl 1h] [-config path]")
		fmt.Fprintln(os.Stderr, "       devtoken -hash-key <secret>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Auth.Mode != config.AuthModeJWT {
		log.Fatalf("auth.mode is %q; tokens can only be minted in %q mode", cfg.Auth.Mode, config.AuthModeJWT)
	}

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	issuer := auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)
	token, err := issuer.Issue(*userID, *username, lifetime)
	if err != nil {
		log.Fatalf("issuing token: %v", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(lifetime).UTC().Format(time.RFC3339))
}
