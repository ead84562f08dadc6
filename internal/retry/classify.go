package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"healthai/internal/apperr"
	"healthai/internal/breaker"
)

var transientTokens = []string{
	"timeout", "timed out", "connection", "temporarily", "unavailable",
	"429", "502", "503", "504", "rate limit", "too many requests",
	"deadlock", "lock", "eof", "reset by peer",
}

var permanentTokens = []string{
	"400", "401", "403", "404", "422",
	"invalid", "syntax", "constraint", "unauthorized", "forbidden", "not found",
}

// IsTransient classifies err as worth retrying. Typed errors win; message
// tokens are the fallback and unknown errors are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if ae, ok := apperr.As(err); ok {
		switch ae.Kind {
		case apperr.KindCircuitOpen, apperr.KindValidation, apperr.KindNotFound,
			apperr.KindPermission, apperr.KindConfiguration:
			return false
		}
		return ae.Transient
	}

	var typed interface{ Transient() bool }
	if errors.As(err, &typed) {
		return typed.Transient()
	}

	if errors.Is(err, breaker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, tok := range transientTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	for _, tok := range permanentTokens {
		if strings.Contains(msg, tok) {
			return false
		}
	}
	return true
}
