package secret

import (
	"os"
	"strings"
)

// FallbackPasswordEnv is read when no per-connection variable is set.
const FallbackPasswordEnv = "TRIPLOAD_DB_PASSWORD"

// EnvStore reads secrets from environment variables. A key such as
// "postgres/root/localhost/ny_taxi" maps to
// TRIPLOAD_SECRET_POSTGRES_ROOT_LOCALHOST_NY_TAXI.
type EnvStore struct {
	// Fallback is returned for any key without its own variable.
	Fallback string
}

// NewEnvStore creates an EnvStore that falls back to TRIPLOAD_DB_PASSWORD.
func NewEnvStore() *EnvStore {
	return &EnvStore{Fallback: FallbackPasswordEnv}
}

// EnvName returns the variable consulted for key.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString("TRIPLOAD_SECRET_")
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (e *EnvStore) Get(key string) ([]byte, error) {
	if v, ok := os.LookupEnv(EnvName(key)); ok {
		return []byte(v), nil
	}
	if e.Fallback != "" {
		if v, ok := os.LookupEnv(e.Fallback); ok {
			return []byte(v), nil
		}
	}
	return nil, nil
}

// Set exports the secret to the current process only.
func (e *EnvStore) Set(key string, value []byte) error {
	return os.Setenv(EnvName(key), string(value))
}

func (e *EnvStore) Delete(key string) error {
	return os.Unsetenv(EnvName(key))
}
