package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// Secret is key material that never prints its value. It is used for the
// edge HMAC key and for the internal assertion secret.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string               { return secretRedacted }
func (s Secret) GoString() string             { return secretRedacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// MinSecretLength is the minimum accepted length for HMAC secrets, in bytes.
const MinSecretLength = 32

// DefaultInternalSecretPath is where the internal assertion secret is
// mounted in Kubernetes deployments.
const DefaultInternalSecretPath = "/var/run/secrets/gatekeeper/internal-secret"

// SecretLoader returns the current internal signing secret. Loaders are
// called on every mint and verification, so file-backed loaders pick up
// rotated secrets without a restart.
type SecretLoader func(ctx context.Context) (Secret, error)

// StaticSecret returns a loader for a fixed secret.
func StaticSecret(s Secret) SecretLoader {
	return func(context.Context) (Secret, error) {
		return s, nil
	}
}

// EnvSecret returns a loader reading the named environment variable.
func EnvSecret(name string) SecretLoader {
	return func(context.Context) (Secret, error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("auth: environment variable %s is not set", name)
		}
		return Secret(v), nil
	}
}

// FileSecret returns a loader reading a mounted secret file. Surrounding
// whitespace and newlines are trimmed. An empty path means
// DefaultInternalSecretPath.
func FileSecret(path string) SecretLoader {
	if path == "" {
		path = DefaultInternalSecretPath
	}
	return func(context.Context) (Secret, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("auth: failed to read secret from %s: %w", path, err)
		}
		return Secret(strings.TrimSpace(string(data))), nil
	}
}

// loadSigningSecret resolves the internal secret. Any failure, including a
// secret shorter than MinSecretLength, is SigningUnavailable: the secret is
// unusable, which is distinct from a signature mismatch.
func loadSigningSecret(ctx context.Context, load SecretLoader) ([]byte, error) {
	if load == nil {
		return nil, sserr.SigningUnavailable(nil, "internal signing secret not configured")
	}
	s, err := load(ctx)
	if err != nil {
		return nil, sserr.SigningUnavailable(err, "internal signing secret unavailable")
	}
	if len(s.Value()) < MinSecretLength {
		return nil, sserr.SigningUnavailable(nil, "internal signing secret too short")
	}
	return []byte(s.Value()), nil
}
