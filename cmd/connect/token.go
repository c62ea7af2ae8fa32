package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/vyrodovalexey/connect/internal/auth"
	"github.com/vyrodovalexey/connect/internal/config"
	"github.com/vyrodovalexey/connect/internal/permission"
)

// tokenCommand is the subcommand that issues bearer tokens for testing
// and operations.
const tokenCommand = "token"

const defaultTokenTTL = time.Hour

// errNoSecret is returned when no token secret can be found.
var errNoSecret = errors.New("no JWT secret: pass -secret, set " + config.EnvJWTSecret + " or use -config")

// runToken signs a token for the given user and permission mask and
// writes it to out. The secret comes from -secret, then the environment,
// then the configuration file.
func runToken(args []string, out io.Writer, lookup config.LookupFunc) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		user       = fs.String("user", "", "User ID carried by the token (required)")
		perm       = fs.Uint64("permission", 0, "Permission bitmask granted by the token")
		ttl        = fs.Duration("ttl", defaultTokenTTL, "Token lifetime; 0 omits the exp claim")
		secret     = fs.String("secret", "", "HS256 signing secret")
		configPath = fs.String("config", "", "Configuration file to read the secret from")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("-user is required")
	}
	if *ttl < 0 {
		return errors.New("-ttl must not be negative")
	}

	key, err := tokenSecret(*secret, *configPath, lookup)
	if err != nil {
		return err
	}

	signer, err := auth.NewSigner([]byte(key))
	if err != nil {
		return err
	}

	identity := auth.Identity{UserID: *user, Permission: permission.Mask(*perm)}
	if *ttl > 0 {
		identity.ExpiresAt = time.Now().Add(*ttl).Unix()
	}

	token, err := signer.Sign(identity)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func tokenSecret(flagValue, configPath string, lookup config.LookupFunc) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v, ok := lookup(config.EnvJWTSecret); ok && v != "" {
		return v, nil
	}
	if configPath == "" {
		return "", errNoSecret
	}

	cfg, err := config.NewLoader(config.WithLookup(lookup)).Load(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return "", errNoSecret
	}
	return cfg.Auth.JWTSecret, nil
}
