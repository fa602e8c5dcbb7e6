package config

import (
	"fmt"
	"os"
	"strings"
)

// SecretsProvider resolves a secret reference from config (e.g.
// "env:ELASTIC_PASSWORD") to its value. The core never stores resolved
// secrets in the Config.
type SecretsProvider interface {
	Resolve(ref string) (string, error)
}

// EnvSecrets resolves "env:VAR" references from the process environment.
// A bare reference without a scheme is treated as a literal, which keeps
// test fixtures simple.
type EnvSecrets struct{}

// Resolve implements SecretsProvider.
func (EnvSecrets) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		val, found := os.LookupEnv(name)
		if !found {
			return "", fmt.Errorf("secret reference %q: environment variable not set", ref)
		}
		return val, nil
	}
	return ref, nil
}
