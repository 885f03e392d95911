package credstore

import (
	"errors"
	"fmt"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

func classifyPKCS12Error(err error, password string) error {
	switch {
	case isIncorrectPasswordError(err):
		if password == "" {
			return fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return fmt.Errorf("%w: %v", ErrWrongPassword, err)
	case isLikelyInvalidFileError(err):
		return fmt.Errorf("%w: %v", ErrInvalidFile, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
}

// FriendlyError returns an operator-facing message for credential failures.
func FriendlyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "The device credential is missing. Check the configured key, certificate and CA paths."
	case errors.Is(err, ErrPasswordRequired):
		return "The device credential requires a password. Set the configured password environment variable."
	case errors.Is(err, ErrWrongPassword):
		return "The device credential password is incorrect."
	case errors.Is(err, ErrInvalidFile):
		return "The device credential file is corrupted or not in a supported format."
	case errors.Is(err, ErrUnsupported):
		return "The device credential uses an unsupported format or key type."
	default:
		return "The device credential could not be loaded."
	}
}

func isIncorrectPasswordError(err error) bool {
	if errors.Is(err, pkcs12.ErrIncorrectPassword) || errors.Is(err, pkcs12.ErrDecryption) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "decryption password incorrect") ||
		strings.Contains(msg, "incorrect padding")
}

func isLikelyInvalidFileError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not der") ||
		strings.Contains(msg, "syntax error") ||
		strings.Contains(msg, "trailing data") ||
		strings.Contains(msg, "certificate missing") ||
		strings.Contains(msg, "private key missing") ||
		strings.Contains(msg, "error reading p12 data")
}
