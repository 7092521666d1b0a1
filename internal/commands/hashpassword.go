// Package commands holds the CLI subcommands.
package commands

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"schoolalarm/internal/auth"
	"schoolalarm/internal/config"
)

// HashPassword handles the hash-password subcommand: it prompts for a
// username and password and stores the Argon2id hash as basic_auth in the
// config file.
func HashPassword(args []string) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config.yaml")
	printOnly := fs.Bool("print", false, "print the hash instead of writing the config")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: schoolalarm hash-password [OPTIONS]\n\n")
		fmt.Fprintf(os.Stderr, "Stores an Argon2id password hash for the HTTP API in the config file.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Print("Enter username: ")
	username, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read username: %w", err)
	}
	username = strings.TrimSpace(username)

	password, err := readPassword("Enter password:   ")
	if err != nil {
		return err
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}

	if *printOnly {
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	if err := StoreCredentials(*cfgPath, username, password); err != nil {
		return err
	}
	fmt.Printf("Basic auth enabled for user %q in %s\n", username, *cfgPath)
	return nil
}

// StoreCredentials hashes password and writes it with username into the
// config file at path, creating the file from defaults if needed.
func StoreCredentials(path, username, password string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	cfg.BasicAuth = &config.BasicAuthConfig{Username: username, PasswordHash: hash}

	return config.Save(path, cfg)
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
