package config

import "fmt"

// ValidateServe checks everything the serve command needs. Errors wrap
// the package sentinels so callers can branch with errors.Is().
func (c *Config) ValidateServe() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Storage {
	case StoragePostgres:
		if c.PostgresHost == "" {
			return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
		}
		if c.PostgresDBName == "" {
			return fmt.Errorf("%w: name is empty", ErrInvalidPostgresDBName)
		}
	case StorageMemory:
		// Nothing to check; memory mode has no external dependencies.
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrInvalidStorage, c.Storage, StoragePostgres, StorageMemory)
	}

	switch c.Provider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: set BRANCHD_OPENAI_API_KEY", ErrMissingProviderAPIKey)
		}
	case ProviderSimulate:
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrInvalidProvider, c.Provider, ProviderOpenAI, ProviderSimulate)
	}

	if c.AuthSecret == "" {
		return fmt.Errorf("%w: set BRANCHD_AUTH_SECRET", ErrMissingAuthSecret)
	}
	if len(c.AuthSecret) < minAuthSecretBytes {
		return fmt.Errorf("%w: need at least %d bytes", ErrInvalidAuthSecret, minAuthSecretBytes)
	}

	return nil
}
