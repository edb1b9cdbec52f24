package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/term"

	"wayfinder/pkg/config"
)

// secretsCmd manages the encrypted API key store under <dir>/.wayfinder.
func secretsCmd(args []string) int {
	if len(args) < 1 {
		printSecretsUsage()
		return 1
	}
	action := args[0]
	rest := args[1:]

	var name string
	if action == "set" || action == "rm" {
		if len(rest) < 1 || strings.HasPrefix(rest[0], "-") {
			fmt.Fprintf(os.Stderr, "Error: secrets %s requires a secret name\n\n", action)
			printSecretsUsage()
			return 1
		}
		name = rest[0]
		rest = rest[1:]
	}

	flagSet := flag.NewFlagSet("secrets", flag.ExitOnError)
	dir := flagSet.String("dir", ".", "Project directory holding the secrets file")
	if err := flagSet.Parse(rest); err != nil {
		return 1
	}

	switch action {
	case "set":
		return secretsSet(*dir, name)
	case "list":
		return secretsList(*dir)
	case "rm":
		return secretsRemove(*dir, name)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown secrets action %q\n\n", action)
		printSecretsUsage()
		return 1
	}
}

func printSecretsUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s secrets set <NAME> [-dir <dir>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s secrets list [-dir <dir>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s secrets rm <NAME> [-dir <dir>]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Secrets are stored encrypted in <dir>/.wayfinder/secrets.json.enc.\n")
}

func secretsSet(dir, name string) int {
	var password string
	if config.SecretsFileExists(dir) {
		pw, err := promptPassword("Enter the secrets password: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := config.LoadSecrets(dir, pw); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		password = pw
	} else {
		pw, err := promptNewPassword()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		password = pw
	}

	value, err := promptPassword(fmt.Sprintf("Enter value for %s: ", name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if value == "" {
		fmt.Fprintf(os.Stderr, "Error: secret value cannot be empty\n")
		return 1
	}

	config.SetSecret(name, value)
	if err := config.SaveSecretsToFile(dir, password); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("saved %s to %s/.wayfinder/secrets.json.enc (file permissions: 0600)\n", name, dir)
	return 0
}

func secretsList(dir string) int {
	if !config.SecretsFileExists(dir) {
		fmt.Println("no secrets file found")
		return 0
	}
	password, err := promptPassword("Enter the secrets password: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := config.LoadSecrets(dir, password); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	names := config.GetDecryptedSecretNames()
	if len(names) == 0 {
		fmt.Println("secrets file is empty")
		return 0
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(name)
	}
	return 0
}

func secretsRemove(dir, name string) int {
	if !config.SecretsFileExists(dir) {
		fmt.Fprintf(os.Stderr, "Error: no secrets file found in %s\n", dir)
		return 1
	}
	password, err := promptPassword("Enter the secrets password: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := config.LoadSecrets(dir, password); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	config.DeleteSecret(name)
	if err := config.SaveSecretsToFile(dir, password); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("removed %s\n", name)
	return 0
}

// maybeLoadSecrets decrypts the secrets file into memory when the provider's
// API key is not already available from the environment. Runs stay
// non-interactive when the key is exported.
func maybeLoadSecrets(cfg *config.Config) error {
	if _, err := config.APIKeyFor(cfg.Provider); err == nil {
		return nil
	}
	if !config.SecretsFileExists(".") {
		return nil
	}
	password, err := promptPassword("Enter the secrets password: ")
	if err != nil {
		return err
	}
	return config.LoadSecrets(".", password)
}

// promptPassword reads one line without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Println() // New line after password input
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	value := string(raw)
	// Clear password bytes from memory
	for i := range raw {
		raw[i] = 0
	}
	return value, nil
}

// promptNewPassword prompts for a new password with confirmation.
func promptNewPassword() (string, error) {
	maxAttempts := 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Enter a new secrets password: ")
		password1, err := term.ReadPassword(syscall.Stdin)
		fmt.Println() // New line after password input
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		password2, err := term.ReadPassword(syscall.Stdin)
		fmt.Println() // New line after password input
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		if !bytes.Equal(password1, password2) {
			if attempt < maxAttempts {
				fmt.Println("Passwords do not match. Please try again.")
				continue
			}
			return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
		}

		password := string(password1)

		// Clear password bytes from memory
		for i := range password1 {
			password1[i] = 0
		}
		for i := range password2 {
			password2[i] = 0
		}

		if password == "" {
			return "", fmt.Errorf("password cannot be empty")
		}
		return password, nil
	}
	return "", fmt.Errorf("failed to read password")
}
