// Package auth finds and checks the Gemini API key for operator commands.
package auth

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	credentialDir  = ".virtual-tryon"
	credentialFile = "credentials.gpg"

	// PassphraseEnv names a file holding the GPG passphrase for
	// non-interactive decryption.
	PassphraseEnv = "TRYON_GPG_PASSPHRASE_FILE"
)

// ErrNoKey is returned when no key source is available.
var ErrNoKey = errors.New("API key not found")

// GetAPIKey returns the Gemini API key from GEMINI_API_KEY, falling back to
// the GPG-encrypted file at ~/.virtual-tryon/credentials.gpg.
func GetAPIKey() (string, error) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		log.Debug().Msg("Using API key from environment variable")
		return key, nil
	}

	key, err := getFromGPG()
	if err == nil && key != "" {
		log.Debug().Msg("Using API key from GPG encrypted file")
		return key, nil
	}
	log.Debug().Err(err).Msg("No GPG credentials available")
	return "", fmt.Errorf("%w: set GEMINI_API_KEY or store it GPG-encrypted at ~/%s/%s", ErrNoKey, credentialDir, credentialFile)
}

func getFromGPG() (string, error) {
	credPath, err := getCredentialPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(credPath); err != nil {
		return "", fmt.Errorf("GPG credentials file not found at %s", credPath)
	}

	args := []string{"--decrypt", "--quiet"}
	if p := os.Getenv(PassphraseEnv); p != "" {
		if err := checkPassphraseFile(p); err != nil {
			log.Warn().Err(err).Str("passphraseFile", p).Msg("Ignoring passphrase file")
		} else {
			args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", p)
		}
	}
	args = append(args, credPath)

	output, err := exec.Command("gpg", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("GPG decryption failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// checkPassphraseFile requires the file to be readable by its owner only.
func checkPassphraseFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := fi.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("insecure permissions %04o, want 0600", mode)
	}
	return nil
}

func getCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, credentialDir, credentialFile), nil
}
